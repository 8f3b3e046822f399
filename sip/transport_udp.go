package sip

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
)

// TransportBufferReadSize bounds a single SIP datagram.
const TransportBufferReadSize = 65535

// TransportUDP is the single UDP socket carrying all SIP signaling. The
// read loop parses datagrams and hands them to the registered handler;
// sending resolves the message destination per datagram.
type TransportUDP struct {
	conn    *net.UDPConn
	handler MessageHandler
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewTransportUDP(logger *slog.Logger) *TransportUDP {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &TransportUDP{log: logger.With("caller", "TransportUDP")}
}

// OnMessage registers the parsed-message handler. Must be set before ListenAndServe.
func (t *TransportUDP) OnMessage(h MessageHandler) {
	t.handler = h
}

// ListenAndServe binds the SIP port and blocks reading datagrams until
// Close. A bind failure is fatal at startup and returned to the caller.
func (t *TransportUDP) ListenAndServe(addr string) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve sip addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return fmt.Errorf("bind sip socket %q: %w", addr, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.log.Info("begin listening", "network", "udp", "addr", conn.LocalAddr().String())
	t.readLoop(conn)
	return nil
}

func (t *TransportUDP) readLoop(conn *net.UDPConn) {
	buf := make([]byte, TransportBufferReadSize)
	for {
		num, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug("Read connection closed", "error", err)
				return
			}
			t.log.Error("Read connection error", "error", err)
			return
		}

		data := make([]byte, num)
		copy(data, buf[:num])

		msg, err := ParseMessage(data)
		if err != nil {
			// Ingress parse errors never propagate - log and drop.
			t.log.Warn("failed to parse datagram", "error", err, "raddr", raddr.String())
			continue
		}

		msg.SetSource(raddr.String())
		if t.handler != nil {
			t.handler(msg)
		}
	}
}

// WriteMsg serializes and sends fire-and-forget to msg.Destination().
func (t *TransportUDP) WriteMsg(msg Message) error {
	dest := msg.Destination()
	if dest == "" {
		return fmt.Errorf("message has no destination: %s", msg.Short())
	}
	// Hostnames without port still need the default.
	if !strings.Contains(dest, ":") {
		dest = fmt.Sprintf("%s:%d", dest, DefaultSIPPort)
	}

	raddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return fmt.Errorf("resolve dest %q: %w", dest, err)
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport not listening")
	}

	var sb strings.Builder
	msg.StringWrite(&sb)
	if _, err := conn.WriteToUDP([]byte(sb.String()), raddr); err != nil {
		return fmt.Errorf("write to %s: %w", dest, err)
	}
	return nil
}

func (t *TransportUDP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}
