package sip

import (
	"fmt"
	"log/slog"
	"time"
)

// ClientTx drives one outbound request: retransmission over UDP, response
// matching and the RFC 3261 17.1 state machine.
type ClientTx struct {
	baseTx
	responses    chan *Response
	provisional  chan struct{}
	timer_a_time time.Duration
	timer_a      *time.Timer
	timer_b      *time.Timer
	timer_d_time time.Duration
	timer_d      *time.Timer
	timer_m      *time.Timer
}

func NewClientTx(key string, origin *Request, conn Connection, logger *slog.Logger) *ClientTx {
	tx := &ClientTx{}
	tx.key = key
	tx.conn = conn
	tx.responses = make(chan *Response)
	tx.provisional = make(chan struct{})
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	return tx
}

func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		e := fmt.Errorf("fail to write request on init req=%q: %w", tx.origin.StartLine(), err)
		return wrapTransportError(e)
	}

	// RFC 3261 17.1.1.2: over UDP retransmission starts at T1 and the
	// late-response absorb window (Timer D) is 32s.
	tx.mu.Lock()
	tx.timer_a_time = Timer_A
	tx.timer_a = time.AfterFunc(tx.timer_a_time, func() {
		tx.spinFsm(client_input_timer_a)
	})
	tx.timer_d_time = Timer_D

	tx.timer_b = time.AfterFunc(Timer_B, func() {
		tx.spinFsmWithError(client_input_timer_b, fmt.Errorf("timer B fired. %w", ErrTransactionTimeout))
	})
	tx.mu.Unlock()

	tx.log.Debug("Client transaction initialized", "tx", tx.Key())
	return nil
}

func (tx *ClientTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateCalling)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

// Responses streams provisional and final responses to the transaction user.
func (tx *ClientTx) Responses() <-chan *Response {
	return tx.responses
}

// Provisional closes once a 1xx was received. The user agent waits on it
// before deriving CANCEL - RFC 3261 9.1.
func (tx *ClientTx) Provisional() <-chan struct{} {
	return tx.provisional
}

func (tx *ClientTx) Terminate() {
	tx.delete(ErrTransactionTerminated)
}

// Receive processes a matched response. It may block passing the response
// up, so the transport layer calls it from a dedicated goroutine.
func (tx *ClientTx) Receive(res *Response) {
	var input fsmInput
	switch {
	case res.IsProvisional():
		input = client_input_1xx
	case res.IsSuccess():
		input = client_input_2xx
	default:
		input = client_input_300_plus
	}
	tx.spinFsmWithResponse(input, res)
}

func (tx *ClientTx) ack() {
	resp := tx.fsmResp
	if resp == nil {
		return
	}

	ack := newAckRequestNon2xx(tx.origin, resp)
	tx.fsmAck = ack

	if err := tx.conn.WriteMsg(ack); err != nil {
		tx.log.Error("send ACK request failed", "tx", tx.Key(), "error", err,
			slog.String("invite_request", tx.origin.Short()),
			slog.String("invite_response", resp.Short()),
		)
		go tx.spinFsmWithError(client_input_transport_err, wrapTransportError(err))
	}
}

func (tx *ClientTx) resend() {
	select {
	case <-tx.done:
		return
	default:
	}

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug("Fail to resend request", "error", err, "req", tx.origin.StartLine())
		go tx.spinFsmWithError(client_input_transport_err, wrapTransportError(err))
	}
}

func (tx *ClientTx) delete(err error) bool {
	tx.mu.Lock()
	if tx.closed {
		tx.mu.Unlock()
		return false
	}
	tx.closed = true

	close(tx.done)
	onterm := tx.onTerminate

	if tx.timer_a != nil {
		tx.timer_a.Stop()
		tx.timer_a = nil
	}
	if tx.timer_b != nil {
		tx.timer_b.Stop()
		tx.timer_b = nil
	}
	if tx.timer_d != nil {
		tx.timer_d.Stop()
		tx.timer_d = nil
	}
	if tx.timer_m != nil {
		tx.timer_m.Stop()
		tx.timer_m = nil
	}
	tx.mu.Unlock()

	if onterm != nil {
		onterm(tx.key, err)
	}
	tx.log.Debug("Client transaction destroyed", "tx", tx.Key())
	return true
}

func (tx *ClientTx) signalProvisional() {
	select {
	case <-tx.provisional:
	default:
		close(tx.provisional)
	}
}
