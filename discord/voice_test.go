package discord

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"
)

// voiceServer is a loopback websocket endpoint standing in for Discord's
// voice gateway.
type voiceServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func startVoiceServer(t *testing.T) *voiceServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &voiceServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if _, err := ws.Upgrade(conn); err != nil {
				conn.Close()
				continue
			}
			s.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *voiceServer) url() string {
	return "ws://" + s.ln.Addr().String()
}

func (s *voiceServer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no voice gateway connection arrived")
		return nil
	}
}

// expectNoConnection asserts the client did not reconnect.
func (s *voiceServer) expectNoConnection(t *testing.T) {
	t.Helper()
	select {
	case <-s.conns:
		t.Fatal("voice gateway reconnected")
	case <-time.After(300 * time.Millisecond):
	}
}

func serverSend(t *testing.T, conn net.Conn, op int, d any) {
	t.Helper()
	p, err := newPayload(op, d)
	require.NoError(t, err)
	data, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteServerText(conn, data))
}

// serverReadOp reads client frames until one carries the wanted op code,
// skipping heartbeats.
func serverReadOp(t *testing.T, conn net.Conn, op int) *payload {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := wsutil.ReadClientText(conn)
		require.NoError(t, err)
		p, err := parsePayload(data)
		require.NoError(t, err)
		if p.Op == op {
			return p
		}
		require.Equal(t, OpVoiceHeartbeat, p.Op, "unexpected op while waiting for %d", op)
	}
	t.Fatalf("op %d never arrived", op)
	return nil
}

func serverClose(t *testing.T, conn net.Conn, code int, reason string) {
	t.Helper()
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	require.NoError(t, ws.WriteFrame(conn, frame))
	// Leave the TCP side up long enough for the client to read the
	// close frame, then drop it.
	time.Sleep(100 * time.Millisecond)
	conn.Close()
}

func testVoiceGateway(t *testing.T, server *voiceServer) *VoiceGateway {
	t.Helper()
	gw := NewGateway("bot-token", func(event string, args ...any) {}, slog.Default())
	gw.mu.Lock()
	gw.userID = "bot"
	gw.sessionID = "sess-1"
	gw.mu.Unlock()

	return NewVoiceGateway(gw, "guild-1", "channel-1", "voice-token", server.url(), func(event string, args ...any) {}, slog.Default())
}

// A 4014 close is terminal: the session ends with ErrVoiceDisconnected
// and no reconnect is attempted.
func TestVoiceGatewayDisconnectedIsFatal(t *testing.T) {
	server := startVoiceServer(t)
	v := testVoiceGateway(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()

	conn := server.accept(t)
	serverSend(t, conn, OpVoiceHello, map[string]any{"heartbeat_interval": 50.0})

	identify := serverReadOp(t, conn, OpVoiceIdentify)
	var ident struct {
		ServerID  string `json:"server_id"`
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	require.NoError(t, identify.unmarshalData(&ident))
	require.Equal(t, "guild-1", ident.ServerID)
	require.Equal(t, "bot", ident.UserID)
	require.Equal(t, "sess-1", ident.SessionID)
	require.Equal(t, "voice-token", ident.Token)

	serverClose(t, conn, CloseVoiceDisconnected, "disconnected")

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrVoiceDisconnected)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after 4014")
	}
	server.expectNoConnection(t)
}

// A 4015 close on the first attempt resumes: the second connection sends
// RESUME instead of IDENTIFY and the existing media endpoint survives
// without a second IP discovery.
func TestVoiceGatewayResumeAfterServerCrash(t *testing.T) {
	server := startVoiceServer(t)
	v := testVoiceGateway(t, server)

	// UDP socket standing in for Discord's media server; IP discovery
	// requests land here.
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })
	discovery := make(chan []byte, 4)
	go func() {
		buf := make([]byte, 1<<10)
		for {
			n, _, err := udp.ReadFromUDP(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			discovery <- data
		}
	}()
	udpPort := udp.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if media := v.Media(); media != nil {
			media.Stop()
		}
		<-done
	})

	// First life: HELLO -> IDENTIFY -> READY brings the media endpoint up.
	conn := server.accept(t)
	serverSend(t, conn, OpVoiceHello, map[string]any{"heartbeat_interval": 50.0})
	serverReadOp(t, conn, OpVoiceIdentify)
	serverSend(t, conn, OpVoiceReady, map[string]any{
		"ssrc": 0x5151,
		"ip":   "127.0.0.1",
		"port": udpPort,
	})

	select {
	case req := <-discovery:
		require.Len(t, req, 74)
		require.Equal(t, uint16(0x0001), binary.BigEndian.Uint16(req[0:2]))
		require.Equal(t, uint32(0x5151), binary.BigEndian.Uint32(req[4:8]))
	case <-time.After(5 * time.Second):
		t.Fatal("no IP discovery request after READY")
	}

	require.Eventually(t, func() bool { return v.Media() != nil }, time.Second, 10*time.Millisecond)
	media := v.Media()
	require.Equal(t, uint32(0x5151), v.SSRC())

	serverClose(t, conn, CloseVoiceServerCrashed, "voice server crashed")

	// Second life: the client resumes the same session.
	conn = server.accept(t)
	serverSend(t, conn, OpVoiceHello, map[string]any{"heartbeat_interval": 50.0})

	resume := serverReadOp(t, conn, OpVoiceResume)
	var res struct {
		ServerID  string `json:"server_id"`
		SessionID string `json:"session_id"`
		Token     string `json:"token"`
	}
	require.NoError(t, resume.unmarshalData(&res))
	require.Equal(t, "guild-1", res.ServerID)
	require.Equal(t, "sess-1", res.SessionID)
	require.Equal(t, "voice-token", res.Token)

	serverSend(t, conn, OpVoiceResumed, nil)

	// The resumed session reuses the armed endpoint: same instance, no
	// fresh IP discovery, attempts back to zero.
	require.Eventually(t, func() bool {
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.attempts == 0 && !v.resuming
	}, 5*time.Second, 10*time.Millisecond)
	require.Same(t, media, v.Media())

	select {
	case <-discovery:
		t.Fatal("resume triggered a second IP discovery")
	case <-time.After(300 * time.Millisecond):
	}

	select {
	case <-done:
		t.Fatal("Run returned while the session is healthy")
	default:
	}
}
