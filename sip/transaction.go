package sip

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Connection writes serialized messages to the wire. The UDP transport is
// the only implementation; transactions never care about the socket.
type Connection interface {
	WriteMsg(msg Message) error
}

type Transaction interface {
	// Terminate stops the transaction and removes it from the store.
	Terminate()
	// Done closes when the transaction FSM terminates.
	Done() <-chan struct{}
	// Err reports what stopped the transaction.
	Err() error
	// OnTerminate registers a termination hook. Returns false when the
	// transaction already terminated.
	OnTerminate(f FnTxTerminate) bool
}

type ServerTransaction interface {
	Transaction
	Respond(res *Response) error
	Acks() <-chan *Request
	OnCancel(f FnTxCancel) bool
}

type ClientTransaction interface {
	Transaction
	Responses() <-chan *Response
}

type FnTxTerminate func(key string, err error)
type FnTxCancel func(r *Request)

// baseTx carries state shared by client and server transactions,
// including the FSM spin loop. State functions run under fsmMu; inputs
// may arrive from the transport goroutine and from timer callbacks.
type baseTx struct {
	mu sync.Mutex

	key    string
	origin *Request

	conn   Connection
	done   chan struct{}
	closed bool

	fsmMu    sync.Mutex
	fsmState fsmContextState

	// fsmResp/fsmErr/fsmAck/fsmCancel are inputs carried into the FSM.
	// Valid only inside a state function.
	fsmResp   *Response
	fsmErr    error
	fsmAck    *Request
	fsmCancel *Request

	log         *slog.Logger
	onTerminate FnTxTerminate
}

func (tx *baseTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

func (tx *baseTx) Origin() *Request {
	return tx.origin
}

func (tx *baseTx) Key() string {
	return tx.key
}

func (tx *baseTx) Done() <-chan struct{} {
	return tx.done
}

func (tx *baseTx) OnTerminate(f FnTxTerminate) bool {
	tx.mu.Lock()
	select {
	case <-tx.done:
		tx.mu.Unlock()
		return false
	default:
	}
	defer tx.mu.Unlock()

	if tx.onTerminate != nil {
		prev := tx.onTerminate
		tx.onTerminate = func(key string, err error) {
			prev(key, err)
			f(key, err)
		}
		return true
	}
	tx.onTerminate = f
	return true
}

func (tx *baseTx) currentFsmState() fsmContextState {
	tx.fsmMu.Lock()
	defer tx.fsmMu.Unlock()
	return tx.fsmState
}

func (tx *baseTx) initFSM(fsmState fsmContextState) {
	tx.fsmMu.Lock()
	tx.fsmState = fsmState
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmUnsafe(in fsmInput) {
	for i := in; i != FsmInputNone; {
		i = tx.fsmState(i)
	}
}

func (tx *baseTx) spinFsm(in fsmInput) {
	tx.fsmMu.Lock()
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithResponse(in fsmInput, resp *Response) {
	tx.fsmMu.Lock()
	tx.fsmResp = resp
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithRequest(in fsmInput, req *Request) {
	tx.fsmMu.Lock()
	switch {
	case req.IsAck():
		tx.fsmAck = req
	case req.IsCancel():
		tx.fsmCancel = req
	}
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) spinFsmWithError(in fsmInput, err error) {
	tx.fsmMu.Lock()
	tx.fsmErr = err
	tx.spinFsmUnsafe(in)
	tx.fsmMu.Unlock()
}

func (tx *baseTx) Err() error {
	tx.fsmMu.Lock()
	err := tx.fsmErr
	tx.fsmMu.Unlock()
	return err
}

// makeServerTxKey builds the server transaction key - RFC 3261 17.2.3:
// branch + Via host + Via port + method, with ACK matching its INVITE.
func makeServerTxKey(msg Message, asMethod RequestMethod) (string, error) {
	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("'Via' header missing in message '%s'", msg.Short())
	}
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header missing in message '%s'", msg.Short())
	}

	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	branch := via.Branch()
	if !isRFC3261Branch(branch) {
		return "", fmt.Errorf("'branch' missing or not RFC 3261 in message '%s'", msg.Short())
	}

	port := via.Port
	if port == 0 {
		port = DefaultSIPPort
	}

	var builder strings.Builder
	builder.WriteString(branch)
	builder.WriteString(TxSeperator)
	builder.WriteString(via.Host)
	builder.WriteString(TxSeperator)
	builder.WriteString(strconv.Itoa(port))
	builder.WriteString(TxSeperator)
	builder.WriteString(string(method))
	return builder.String(), nil
}

// makeClientTxKey builds the client transaction key - RFC 3261 17.1.3:
// branch + CSeq method, with ACK matching its INVITE.
func makeClientTxKey(msg Message, asMethod RequestMethod) (string, error) {
	cseq := msg.CSeq()
	if cseq == nil {
		return "", fmt.Errorf("'CSeq' header missing in message '%s'", msg.Short())
	}
	method := cseq.MethodName
	if method == ACK {
		method = INVITE
	}
	if asMethod != "" {
		method = asMethod
	}

	via := msg.Via()
	if via == nil {
		return "", fmt.Errorf("'Via' header missing in message '%s'", msg.Short())
	}
	branch := via.Branch()
	if !isRFC3261Branch(branch) {
		return "", fmt.Errorf("'branch' missing or not RFC 3261 in message '%s'", msg.Short())
	}

	var builder strings.Builder
	builder.Grow(len(branch) + len(method) + len(TxSeperator))
	builder.WriteString(branch)
	builder.WriteString(TxSeperator)
	builder.WriteString(string(method))
	return builder.String(), nil
}

type transactionStore[T Transaction] struct {
	items map[string]T
	mu    sync.RWMutex
}

func newTransactionStore[T Transaction]() *transactionStore[T] {
	return &transactionStore[T]{
		items: make(map[string]T),
	}
}

func (store *transactionStore[T]) put(key string, tx T) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.items[key] = tx
}

func (store *transactionStore[T]) get(key string) (T, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	tx, ok := store.items[key]
	return tx, ok
}

func (store *transactionStore[T]) drop(key string) bool {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, exists := store.items[key]
	delete(store.items, key)
	return exists
}

func (store *transactionStore[T]) terminateAll() {
	store.mu.RLock()
	txs := make([]T, 0, len(store.items))
	for _, tx := range store.items {
		txs = append(txs, tx)
	}
	store.mu.RUnlock()
	for _, tx := range txs {
		// Terminate fires the on-terminate hook which locks the store.
		tx.Terminate()
	}
}
