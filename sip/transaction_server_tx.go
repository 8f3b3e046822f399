package sip

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerTx answers one inbound request: automatic 100 Trying on INVITE,
// response retransmission and the RFC 3261 17.2 state machine.
type ServerTx struct {
	baseTx
	acks     chan *Request
	onCancel FnTxCancel

	// localTag is the To tag shared by every non-100 response of this
	// transaction; it becomes the dialog's local tag on answer.
	localTag string

	timer_g      *time.Timer
	timer_g_time time.Duration
	timer_h      *time.Timer
	timer_i      *time.Timer
	timer_j      *time.Timer
	timer_l      *time.Timer
	timer_1xx    *time.Timer

	closeOnce sync.Once
}

func NewServerTx(key string, origin *Request, conn Connection, logger *slog.Logger) *ServerTx {
	tx := &ServerTx{}
	tx.key = key
	tx.conn = conn
	tx.acks = make(chan *Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.localTag = GenerateTag()
	if to := origin.To(); to != nil && to.Tag() != "" {
		// In-dialog request: reuse the established tag.
		tx.localTag = to.Tag()
	}
	return tx
}

func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	tx.timer_g_time = Timer_G

	// RFC 3261 17.2.1: the server transaction emits 100 Trying unless the
	// TU responds first.
	if tx.origin.IsInvite() {
		tx.timer_1xx = time.AfterFunc(Timer_1xx, func() {
			trying := NewResponseFromRequest(tx.Origin(), StatusTrying, "Trying", nil)
			if err := tx.Respond(trying); err != nil {
				tx.log.Error("send '100 Trying' response failed", "error", err)
			}
		})
	}
	tx.mu.Unlock()

	tx.log.Debug("Server transaction initialized", "tx", tx.Key())
	return nil
}

func (tx *ServerTx) initFSM() {
	if tx.Origin().IsInvite() {
		tx.baseTx.initFSM(tx.inviteStateProceeding)
	} else {
		tx.baseTx.initFSM(tx.stateTrying)
	}
}

// LocalTag is the To tag of every dialog-establishing response sent
// through this transaction.
func (tx *ServerTx) LocalTag() string {
	return tx.localTag
}

// Receive handles a retransmitted request, an ACK or a CANCEL matched to
// this transaction.
func (tx *ServerTx) Receive(req *Request) error {
	tx.stopTimer1xx()

	var input fsmInput
	switch {
	case req.Method == tx.origin.Method:
		input = server_input_request
	case req.IsAck():
		input = server_input_ack
	case req.IsCancel():
		input = server_input_cancel
	default:
		return fmt.Errorf("unexpected message method %q for tx %q", req.Method, tx.key)
	}

	tx.spinFsmWithRequest(input, req)
	return nil
}

// Respond sends a response built from the transaction origin. Non-100
// responses get the transaction's local tag so that provisional and final
// responses agree.
func (tx *ServerTx) Respond(res *Response) error {
	tx.stopTimer1xx()

	if res.StatusCode != StatusTrying {
		if to := res.To(); to != nil {
			to.Params.Add("tag", tx.localTag)
		}
	}

	var input fsmInput
	switch {
	case res.IsProvisional():
		input = server_input_user_1xx
	case res.IsSuccess():
		input = server_input_user_2xx
	default:
		input = server_input_user_300_plus
	}
	tx.spinFsmWithResponse(input, res)
	return tx.Err()
}

// Acks delivers ACKs for a 2xx sent through this transaction.
func (tx *ServerTx) Acks() <-chan *Request {
	return tx.acks
}

// OnCancel registers a cancel hook. Returns false when the transaction
// already terminated.
func (tx *ServerTx) OnCancel(f FnTxCancel) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	select {
	case <-tx.done:
		return false
	default:
	}
	tx.onCancel = f
	return true
}

func (tx *ServerTx) Terminate() {
	tx.delete(ErrTransactionTerminated)
}

func (tx *ServerTx) ackSend(r *Request) {
	select {
	case <-tx.done:
	case tx.acks <- r:
	}
}

func (tx *ServerTx) ackSendAsync(r *Request) {
	select {
	case tx.acks <- r:
		return
	default:
	}
	go tx.ackSend(r)
}

func (tx *ServerTx) stopTimer1xx() {
	tx.mu.Lock()
	if tx.timer_1xx != nil {
		tx.timer_1xx.Stop()
		tx.timer_1xx = nil
	}
	tx.mu.Unlock()
}

func (tx *ServerTx) delete(err error) {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		close(tx.done)
		onterm := tx.onTerminate
		tx.mu.Unlock()
		if onterm != nil {
			onterm(tx.key, err)
		}
	})

	tx.mu.Lock()
	for _, timer := range []**time.Timer{&tx.timer_g, &tx.timer_h, &tx.timer_i, &tx.timer_j, &tx.timer_l, &tx.timer_1xx} {
		if *timer != nil {
			(*timer).Stop()
			*timer = nil
		}
	}
	tx.mu.Unlock()
	tx.log.Debug("Server transaction destroyed", "tx", tx.Key())
}
