package sip

import (
	"fmt"
	"log/slog"

	"github.com/telebridge/telebridge/metrics"
)

type TransactionRequestHandler func(req *Request, tx *ServerTx)
type UnhandledResponseHandler func(res *Response)

func defaultRequestHandler(r *Request, tx *ServerTx) {
	DefaultLogger().Info("Unhandled sip request. OnRequest handler not added", "caller", "transactionLayer", "msg", r.Short())
}

func defaultUnhandledRespHandler(r *Response) {
	DefaultLogger().Debug("Dropping response matching no transaction", "caller", "transactionLayer", "msg", r.Short())
}

// TransactionLayer demultiplexes transport messages onto transactions -
// the single routing step between the socket and the user agent. It owns
// both transaction stores; at most one transaction exists per key.
type TransactionLayer struct {
	conn Connection

	reqHandler    TransactionRequestHandler
	unRespHandler UnhandledResponseHandler

	clientTransactions *transactionStore[*ClientTx]
	serverTransactions *transactionStore[*ServerTx]

	log *slog.Logger
}

func NewTransactionLayer(conn Connection, options ...TransactionLayerOption) *TransactionLayer {
	txl := &TransactionLayer{
		conn:               conn,
		clientTransactions: newTransactionStore[*ClientTx](),
		serverTransactions: newTransactionStore[*ServerTx](),
		reqHandler:         defaultRequestHandler,
		unRespHandler:      defaultUnhandledRespHandler,
	}
	txl.log = DefaultLogger().With("caller", "TransactionLayer")
	for _, o := range options {
		o(txl)
	}
	return txl
}

type TransactionLayerOption func(txl *TransactionLayer)

func WithTransactionLayerLogger(l *slog.Logger) TransactionLayerOption {
	return func(txl *TransactionLayer) {
		if l != nil {
			txl.log = l.With("caller", "TransactionLayer")
		}
	}
}

// OnRequest sets the handler receiving requests that matched no
// transaction, together with their freshly created server transaction.
func (txl *TransactionLayer) OnRequest(h TransactionRequestHandler) {
	txl.reqHandler = h
}

// OnUnhandledResponse sets the handler for responses matching no client
// transaction.
func (txl *TransactionLayer) OnUnhandledResponse(h UnhandledResponseHandler) {
	txl.unRespHandler = h
}

// HandleMessage is the transport entry point. Forked per message: client
// transactions block on passing responses up.
func (txl *TransactionLayer) HandleMessage(msg Message) {
	switch msg := msg.(type) {
	case *Request:
		go txl.handleRequestBackground(msg)
	case *Response:
		go txl.handleResponseBackground(msg)
	default:
		txl.log.Error("unsupported message, skip it")
	}
}

func (txl *TransactionLayer) handleRequestBackground(req *Request) {
	if err := txl.handleRequest(req); err != nil {
		txl.log.Error("Server tx failed to handle request", "error", err, "req", req.StartLine())
	}
}

func (txl *TransactionLayer) handleRequest(req *Request) error {
	if req.IsCancel() {
		// RFC 3261 9.2: CANCEL matches the transaction it cancels by
		// rewriting the method. Answer the CANCEL 200 on match and let
		// the INVITE FSM produce the 487.
		key, err := makeServerTxKey(req, INVITE)
		if err != nil {
			return fmt.Errorf("make key failed: %w", err)
		}

		if tx, exists := txl.serverTransactions.get(key); exists {
			if err := tx.Receive(req); err != nil {
				return fmt.Errorf("failed to receive req: %w", err)
			}
			ok := NewResponseFromRequest(req, StatusOK, "OK", nil)
			if to := ok.To(); to != nil {
				to.Params.Add("tag", tx.LocalTag())
			}
			if err := txl.conn.WriteMsg(ok); err != nil {
				return fmt.Errorf("failed to respond 200 for CANCEL: %w", err)
			}
			return nil
		}
		// No match: fall through and let the user agent see the CANCEL.
	}

	key, err := makeServerTxKey(req, "")
	if err != nil {
		return fmt.Errorf("make key failed: %w", err)
	}

	txl.serverTransactions.mu.Lock()
	if tx, exists := txl.serverTransactions.items[key]; exists {
		txl.serverTransactions.mu.Unlock()
		return tx.Receive(req)
	}

	if req.IsAck() {
		// ACK for a 2xx is its own "transaction" that never creates
		// server state; without a match it is dropped - RFC 3261 17.2.4.
		txl.serverTransactions.mu.Unlock()
		txl.log.Debug("Dropping orphan ACK", "req", req.Short())
		return nil
	}

	tx := NewServerTx(key, req, txl.conn, txl.log)
	txl.serverTransactions.items[key] = tx
	tx.OnTerminate(txl.serverTxTerminate)
	txl.serverTransactions.mu.Unlock()
	metrics.SIPTransactions.WithLabelValues("server", string(req.Method)).Inc()

	if err := tx.Init(); err != nil {
		tx.Terminate()
		return err
	}

	txl.reqHandler(req, tx)
	return nil
}

func (txl *TransactionLayer) handleResponseBackground(res *Response) {
	key, err := makeClientTxKey(res, "")
	if err != nil {
		txl.log.Error("Client tx failed to handle response", "error", err)
		return
	}

	tx, exists := txl.clientTransactions.get(key)
	if !exists {
		// RFC 3261 17.1.1.2: unmatched responses go to the TU directly.
		txl.unRespHandler(res)
		return
	}
	tx.Receive(res)
}

// Request starts a client transaction for req. ACK is never a
// transaction; it goes straight through the transport.
func (txl *TransactionLayer) Request(req *Request) (*ClientTx, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport")
	}

	key, err := makeClientTxKey(req, "")
	if err != nil {
		return nil, err
	}

	txl.clientTransactions.mu.Lock()
	if _, exists := txl.clientTransactions.items[key]; exists {
		txl.clientTransactions.mu.Unlock()
		return nil, fmt.Errorf("client transaction %q already exists", key)
	}
	tx := NewClientTx(key, req, txl.conn, txl.log)
	txl.clientTransactions.items[key] = tx
	tx.OnTerminate(txl.clientTxTerminate)
	txl.clientTransactions.mu.Unlock()
	metrics.SIPTransactions.WithLabelValues("client", string(req.Method)).Inc()

	if err := tx.Init(); err != nil {
		tx.Terminate()
		return nil, err
	}
	return tx, nil
}

// WriteMsg bypasses transactions, used for the 2xx ACK.
func (txl *TransactionLayer) WriteMsg(msg Message) error {
	return txl.conn.WriteMsg(msg)
}

func (txl *TransactionLayer) clientTxTerminate(key string, err error) {
	if !txl.clientTransactions.drop(key) {
		txl.log.Info("Non existing client tx was removed", "tx", key)
	}
}

func (txl *TransactionLayer) serverTxTerminate(key string, err error) {
	if !txl.serverTransactions.drop(key) {
		txl.log.Info("Non existing server tx was removed", "tx", key)
	}
}

func (txl *TransactionLayer) Close() {
	txl.clientTransactions.terminateAll()
	txl.serverTransactions.terminateAll()
	txl.log.Debug("transaction layer closed")
}
