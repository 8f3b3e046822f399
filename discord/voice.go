package discord

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telebridge/telebridge/metrics"
	"github.com/telebridge/telebridge/rtp"
)

// VoiceUDPPort is the local port the media endpoint binds.
const VoiceUDPPort = 5003

// EncryptionMode is the only transport mode this client negotiates.
const EncryptionMode = "aead_xchacha20_poly1305_rtpsize"

// SpeakingMicrophonePriority is the speaking mode sent before producing
// RTP: microphone (1<<0) plus priority (1<<2).
const SpeakingMicrophonePriority = 5

const maxVoiceResumeAttempts = 2

var (
	// ErrVoiceDisconnected reports close code 4014: the bot was kicked
	// from the channel and the voice subsystem must be torn down.
	ErrVoiceDisconnected = errors.New("voice gateway disconnected by server")

	// ErrVoiceRebootstrap reports that resuming gave up and a fresh
	// VOICE_STATE_UPDATE was issued; a new voice session will follow.
	ErrVoiceRebootstrap = errors.New("voice session requires fresh bootstrap")
)

// VoiceGateway is the voice control plane for one channel: IDENTIFY,
// IP discovery through the media endpoint, secret-key negotiation and
// the SPEAKING handshake.
type VoiceGateway struct {
	gateway   *Gateway
	serverID  string
	channelID string
	token     string
	endpoint  string
	dispatch  DispatchFunc

	mu       sync.Mutex
	conn     *gatewayConn
	lastSeq  int64
	hasSeq   bool
	ssrc     uint32
	media    *rtp.Endpoint
	attempts int
	resuming bool

	log *slog.Logger
}

// NewVoiceGateway prepares a voice session against the endpoint and token
// delivered by VOICE_SERVER_UPDATE.
func NewVoiceGateway(gateway *Gateway, serverID, channelID, token, endpoint string, dispatch DispatchFunc, logger *slog.Logger) *VoiceGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoiceGateway{
		gateway:   gateway,
		serverID:  serverID,
		channelID: channelID,
		token:     token,
		endpoint:  endpoint,
		dispatch:  dispatch,
		log:       logger.With("caller", "VoiceGateway", "guild", serverID),
	}
}

// Media returns the voice UDP endpoint, nil before READY.
func (v *VoiceGateway) Media() *rtp.Endpoint {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.media
}

// SSRC is the stream identifier Discord assigned on READY.
func (v *VoiceGateway) SSRC() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ssrc
}

// Run drives the voice session. 4014 is terminal; other abnormal closes
// resume up to maxVoiceResumeAttempts, then a fresh VOICE_STATE_UPDATE
// bootstraps a replacement session.
func (v *VoiceGateway) Run(ctx context.Context) error {
	for {
		err := v.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}

		var closeErr *closeError
		if errors.As(err, &closeErr) && closeErr.code == CloseVoiceDisconnected {
			return fmt.Errorf("%w: %s", ErrVoiceDisconnected, closeErr.reason)
		}

		v.mu.Lock()
		attempts := v.attempts
		v.mu.Unlock()
		if attempts < maxVoiceResumeAttempts {
			metrics.GatewayReconnects.WithLabelValues("voice").Inc()
			v.mu.Lock()
			v.resuming = true
			v.mu.Unlock()
			v.log.Info("resuming voice session", "error", err)
			continue
		}

		// Out of resume budget: ask the guild gateway to re-join the
		// same channel, which yields a fresh VOICE_SERVER_UPDATE.
		v.gateway.UpdateVoiceState(v.serverID, v.channelID, false, false)
		return fmt.Errorf("%w: %s", ErrVoiceRebootstrap, err)
	}
}

func (v *VoiceGateway) connectOnce(ctx context.Context) error {
	conn, err := dialGateway(ctx, v.endpoint+"?v=10", v.log)
	if err != nil {
		return err
	}
	defer conn.close()

	v.mu.Lock()
	v.conn = conn
	v.attempts++
	v.mu.Unlock()

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	heartbeatStarted := false

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-done:
		}
	}()

	for {
		p, err := conn.read()
		if err != nil {
			return err
		}
		if p.S != nil {
			v.mu.Lock()
			v.lastSeq = *p.S
			v.hasSeq = true
			v.mu.Unlock()
		}

		if err := v.processPayload(ctx, conn, p, &heartbeatStarted, stopHeartbeat); err != nil {
			return err
		}
	}
}

func (v *VoiceGateway) processPayload(ctx context.Context, conn *gatewayConn, p *payload, heartbeatStarted *bool, stopHeartbeat chan struct{}) error {
	switch p.Op {
	case OpVoiceHello:
		var hello struct {
			HeartbeatInterval float64 `json:"heartbeat_interval"`
		}
		if err := p.unmarshalData(&hello); err == nil && hello.HeartbeatInterval > 0 {
			conn.setHeartbeatInterval(int64(hello.HeartbeatInterval))
		}
		if !*heartbeatStarted {
			*heartbeatStarted = true
			go conn.heartbeatLoop(stopHeartbeat, v.genHeartbeat)
		}
		v.identifyOrResume(conn)

	case OpVoiceReady:
		var ready struct {
			SSRC  uint32   `json:"ssrc"`
			IP    string   `json:"ip"`
			Port  int      `json:"port"`
			Modes []string `json:"modes"`
		}
		if err := p.unmarshalData(&ready); err != nil {
			return fmt.Errorf("malformed voice READY: %w", err)
		}
		if err := v.openMedia(ctx, conn, ready.SSRC, ready.IP, ready.Port); err != nil {
			return err
		}

	case OpVoiceSessionDescription:
		var desc struct {
			Mode      string `json:"mode"`
			SecretKey []int  `json:"secret_key"`
		}
		if err := p.unmarshalData(&desc); err != nil {
			return fmt.Errorf("malformed SESSION_DESCRIPTION: %w", err)
		}
		media := v.Media()
		if media == nil {
			return fmt.Errorf("SESSION_DESCRIPTION before READY")
		}
		key := make([]byte, len(desc.SecretKey))
		for i, b := range desc.SecretKey {
			key[i] = byte(b)
		}
		if err := media.SetSecretKey(key); err != nil {
			return err
		}
		v.updateSpeaking(conn)
		v.dispatch("session_description")

	case OpVoiceResumed:
		v.mu.Lock()
		v.attempts = 0
		v.resuming = false
		v.mu.Unlock()
		v.dispatch("voice_resumed")

	case OpVoiceSpeaking, OpVoiceHeartbeatACK:

	default:
		// Voice gateways emit client-connect and DAVE preparation
		// traffic this bridge does not participate in.
		v.log.Debug("ignoring voice op code", "op", p.Op)
	}
	return nil
}

func (v *VoiceGateway) identifyOrResume(conn *gatewayConn) {
	v.mu.Lock()
	resuming := v.resuming
	var seq any
	if v.hasSeq {
		seq = v.lastSeq
	}
	v.mu.Unlock()

	if resuming {
		p, err := newPayload(OpVoiceResume, map[string]any{
			"server_id":  v.serverID,
			"session_id": v.gateway.SessionID(),
			"token":      v.token,
			"seq_ack":    seq,
		})
		if err == nil {
			conn.send(p)
		}
		return
	}

	p, err := newPayload(OpVoiceIdentify, map[string]any{
		"server_id":  v.serverID,
		"user_id":    v.gateway.UserID(),
		"session_id": v.gateway.SessionID(),
		"token":      v.token,
	})
	if err == nil {
		conn.send(p)
	}
}

// openMedia brings up the UDP endpoint and completes SELECT_PROTOCOL once
// IP discovery resolved our public address. On resume the endpoint
// already exists and keeps running untouched.
func (v *VoiceGateway) openMedia(ctx context.Context, conn *gatewayConn, ssrc uint32, remoteIP string, remotePort int) error {
	v.mu.Lock()
	if v.media != nil {
		v.mu.Unlock()
		return nil
	}
	v.ssrc = ssrc
	v.mu.Unlock()

	media, err := rtp.NewEndpoint(
		fmt.Sprintf(":%d", VoiceUDPPort),
		fmt.Sprintf("%s:%d", remoteIP, remotePort),
		rtp.WithSSRC(ssrc),
		rtp.WithEncryption(),
		rtp.WithEndpointLogger(v.log),
	)
	if err != nil {
		return fmt.Errorf("opening voice udp endpoint: %w", err)
	}

	v.mu.Lock()
	v.media = media
	v.mu.Unlock()

	go func() {
		select {
		case <-media.Discovered():
		case <-ctx.Done():
			return
		case <-media.Done():
			return
		}
		p, err := newPayload(OpVoiceSelectProtocol, map[string]any{
			"protocol": "udp",
			"data": map[string]any{
				"address": media.PublicIP(),
				"port":    VoiceUDPPort,
				"mode":    EncryptionMode,
			},
		})
		if err == nil {
			conn.send(p)
		}
	}()
	return nil
}

func (v *VoiceGateway) updateSpeaking(conn *gatewayConn) {
	p, err := newPayload(OpVoiceSpeaking, map[string]any{
		"speaking": SpeakingMicrophonePriority,
		"delay":    0,
		"ssrc":     v.SSRC(),
	})
	if err == nil {
		conn.send(p)
	}
}

// genHeartbeat builds {t: nonce, seq_ack: lastSequence}.
func (v *VoiceGateway) genHeartbeat() *payload {
	var nonce [8]byte
	rand.Read(nonce[:])

	v.mu.Lock()
	var seq any
	if v.hasSeq {
		seq = v.lastSeq
	}
	v.mu.Unlock()

	p, _ := newPayload(OpVoiceHeartbeat, map[string]any{
		"t":       binary.BigEndian.Uint64(nonce[:]),
		"seq_ack": seq,
	})
	return p
}

// Stop closes the control connection. The media endpoint is owned by the
// caller and stopped separately before teardown.
func (v *VoiceGateway) Stop() {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}
