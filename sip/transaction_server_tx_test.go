package sip

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receivedInvite(t *testing.T) *Request {
	t.Helper()
	req := testCreateInvite(t, "127.0.0.2:5060", "127.0.0.99:5060")
	req.SetSource("127.0.0.99:5060")
	return req
}

func TestServerTransactionAutoTrying(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := receivedInvite(t)
	conn := newTestConn()
	tx := NewServerTx("s1", req, conn, slog.Default())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	// Without a TU response the transaction emits 100 Trying by itself.
	require.Eventually(t, func() bool {
		for _, m := range conn.sent() {
			if res, ok := m.(*Response); ok && res.StatusCode == StatusTrying {
				return true
			}
		}
		return false
	}, 20*Timer_1xx, time.Millisecond)
}

func TestServerTransactionInviteAccept(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := receivedInvite(t)
	conn := newTestConn()
	tx := NewServerTx("s1", req, conn, slog.Default())
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProceeding))

	require.NoError(t, tx.Respond(NewResponseFromRequest(req, StatusRinging, "Ringing", nil)))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProceeding))

	// A request retransmission while provisional resends the response.
	ringing := 0
	require.NoError(t, tx.Receive(req))
	for _, m := range conn.sent() {
		if res, ok := m.(*Response); ok && res.StatusCode == StatusRinging {
			ringing++
		}
	}
	require.Equal(t, 2, ringing)

	require.NoError(t, tx.Respond(NewResponseFromRequest(req, StatusOK, "OK", nil)))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateAccepted))

	// Provisional and final responses share one To tag.
	var tags []string
	for _, m := range conn.sent() {
		if res, ok := m.(*Response); ok && res.StatusCode != StatusTrying {
			tags = append(tags, res.To().Tag())
		}
	}
	require.GreaterOrEqual(t, len(tags), 2)
	for _, tag := range tags {
		require.Equal(t, tx.LocalTag(), tag)
	}

	// The 2xx ACK reaches the TU through the acks channel.
	ack := newAckRequestNon2xx(req, NewResponseFromRequest(req, StatusOK, "OK", nil))
	go func() { require.NoError(t, tx.Receive(ack)) }()
	select {
	case got := <-tx.Acks():
		require.True(t, got.IsAck())
	case <-time.After(time.Second):
		t.Fatal("ACK not passed up")
	}

	select {
	case <-tx.Done():
	case <-time.After(4 * Timer_L):
		t.Fatal("transaction did not terminate after Timer L")
	}
}

func TestServerTransactionInviteRejectRetransmits(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := receivedInvite(t)
	conn := newTestConn()
	tx := NewServerTx("s1", req, conn, slog.Default())
	require.NoError(t, tx.Init())

	require.NoError(t, tx.Respond(NewResponseFromRequest(req, StatusBusyHere, "Busy Here", nil)))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCompleted))

	// Timer G drives retransmission of the rejection until the ACK.
	require.Eventually(t, func() bool {
		busy := 0
		for _, m := range conn.sent() {
			if res, ok := m.(*Response); ok && res.StatusCode == StatusBusyHere {
				busy++
			}
		}
		return busy >= 2
	}, 40*T1, time.Millisecond)

	ack := newAckRequestNon2xx(req, NewResponseFromRequest(req, StatusBusyHere, "Busy Here", nil))
	require.NoError(t, tx.Receive(ack))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateConfirmed))

	select {
	case <-tx.Done():
	case <-time.After(4 * Timer_I):
		t.Fatal("transaction did not terminate after Timer I")
	}
}

func TestServerTransactionCancel(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := receivedInvite(t)
	conn := newTestConn()
	tx := NewServerTx("s1", req, conn, slog.Default())
	require.NoError(t, tx.Init())

	canceled := make(chan struct{})
	require.True(t, tx.OnCancel(func(r *Request) { close(canceled) }))

	cancel := newCancelRequest(req)
	require.NoError(t, tx.Receive(cancel))

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("cancel hook not fired")
	}

	// The INVITE is answered 487 Request Terminated.
	require.Eventually(t, func() bool {
		for _, m := range conn.sent() {
			if res, ok := m.(*Response); ok && res.StatusCode == StatusRequestTerminated {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCompleted))
	require.ErrorIs(t, tx.Err(), ErrTransactionCanceled)
}

func TestServerTransactionNonInvite(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	invite := testCreateInvite(t, "127.0.0.2:5060", "127.0.0.99:5060")
	bye := newCancelRequest(invite)
	bye.Method = BYE
	bye.CSeq().MethodName = BYE
	bye.SetSource("127.0.0.99:5060")

	conn := newTestConn()
	tx := NewServerTx("s2", bye, conn, slog.Default())
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateTrying))

	require.NoError(t, tx.Respond(NewResponseFromRequest(bye, StatusOK, "OK", nil)))
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateCompleted))

	// A retransmitted request is re-answered with the final response.
	require.NoError(t, tx.Receive(bye))
	oks := 0
	for _, m := range conn.sent() {
		if res, ok := m.(*Response); ok && res.StatusCode == StatusOK {
			oks++
		}
	}
	require.Equal(t, 2, oks)

	select {
	case <-tx.Done():
	case <-time.After(4 * Timer_J):
		t.Fatal("transaction did not terminate after Timer J")
	}
}
