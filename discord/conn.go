package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	dialTimeout = 15 * time.Second

	// sendQueueSize bounds the outbound frame queue; overflow drops the
	// oldest frame with a log instead of blocking the event loop.
	sendQueueSize = 64
)

// closeError wraps the websocket close code that ended a connection.
type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("gateway closed code=%d reason=%q", e.code, e.reason)
}

// gatewayConn is one websocket connection: dial, framed JSON send with a
// bounded queue, heartbeat loop and receive pump. Both gateways run one
// per attempt and apply their own reconnect policy on top.
type gatewayConn struct {
	conn net.Conn

	mu        sync.Mutex
	sendq     chan []byte
	closed    bool
	heartbeat time.Duration

	log *slog.Logger
}

func dialGateway(ctx context.Context, endpoint string, logger *slog.Logger) (*gatewayConn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, _, err := ws.DefaultDialer.Dial(dctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %q: %w", endpoint, err)
	}

	c := &gatewayConn{
		conn: conn,
		// Until HELLO sets the real interval, keep the keep-alive tight.
		heartbeat: time.Second,
		sendq:     make(chan []byte, sendQueueSize),
		log:       logger,
	}
	go c.writeLoop()
	return c, nil
}

// send enqueues a frame, dropping the oldest on overflow.
func (c *gatewayConn) send(p *payload) {
	data, err := json.Marshal(p)
	if err != nil {
		c.log.Error("failed to marshal gateway frame", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.sendq <- data:
			return
		default:
		}
		select {
		case dropped := <-c.sendq:
			c.log.Warn("gateway send queue overflow, dropping oldest frame", "size", len(dropped))
		default:
		}
	}
}

func (c *gatewayConn) writeLoop() {
	for data := range c.sendq {
		if err := wsutil.WriteClientText(c.conn, data); err != nil {
			c.log.Debug("gateway write failed", "error", err)
			return
		}
	}
}

// read blocks for the next text frame. A server close frame surfaces as
// *closeError carrying the close code.
func (c *gatewayConn) read() (*payload, error) {
	data, err := wsutil.ReadServerText(c.conn)
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, &closeError{code: int(closed.Code), reason: closed.Reason}
		}
		return nil, err
	}
	return parsePayload(data)
}

func (c *gatewayConn) setHeartbeatInterval(ms int64) {
	c.mu.Lock()
	c.heartbeat = time.Duration(ms) * time.Millisecond
	c.mu.Unlock()
}

func (c *gatewayConn) heartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// heartbeatLoop sends gen() every interval until stop closes. The
// interval is re-read each round so HELLO takes effect immediately.
func (c *gatewayConn) heartbeatLoop(stop <-chan struct{}, gen func() *payload) {
	for {
		c.send(gen())
		select {
		case <-stop:
			return
		case <-time.After(c.heartbeatInterval()):
		}
	}
}

func (c *gatewayConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendq)
	c.conn.Close()
}

