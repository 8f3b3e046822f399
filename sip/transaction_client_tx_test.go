package sip

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClientTransactionInviteFSM(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "127.0.0.99:5060", "127.0.0.2:5060")
	conn := newTestConn()
	tx := NewClientTx("123", req, conn, slog.Default())

	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCalling))

	// PROCEEDING
	res180 := NewResponseFromRequest(req, StatusRinging, "Ringing", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res180)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateProceeding))

	select {
	case <-tx.Provisional():
	default:
		t.Fatal("provisional signal not set")
	}

	// ACCEPTED per RFC 6026, then terminated after Timer M.
	res200 := NewResponseFromRequest(req, StatusOK, "OK", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res200)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateAccepted))

	select {
	case <-tx.Done():
	case <-time.After(4 * Timer_M):
		t.Fatal("transaction did not terminate after Timer M")
	}
}

func TestClientTransactionInviteRejected(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "127.0.0.99:5060", "127.0.0.2:5060")
	conn := newTestConn()
	tx := NewClientTx("123", req, conn, slog.Default())
	require.NoError(t, tx.Init())

	res486 := NewResponseFromRequest(req, StatusBusyHere, "Busy Here", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res486)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.inviteStateCompleted))

	// The transaction ACKs the rejection in the same branch.
	require.Equal(t, 1, conn.countMethod(ACK))
	var ack *Request
	for _, m := range conn.sent() {
		if r, ok := m.(*Request); ok && r.IsAck() {
			ack = r
		}
	}
	require.NotNil(t, ack)
	require.Equal(t, req.Via().Branch(), ack.Via().Branch())

	// A retransmitted 486 triggers an ACK resend.
	tx.Receive(res486.Clone())
	require.Equal(t, 2, conn.countMethod(ACK))

	select {
	case <-tx.Done():
	case <-time.After(4 * Timer_D):
		t.Fatal("transaction did not terminate after Timer D")
	}
}

func TestClientTransactionInviteRetransmits(t *testing.T) {
	SetTimers(5*time.Millisecond, 20*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "127.0.0.99:5060", "127.0.0.2:5060")
	conn := newTestConn()
	tx := NewClientTx("123", req, conn, slog.Default())
	require.NoError(t, tx.Init())

	// Sends happen at 0, T1, 3T1, 7T1... so within ~10*T1 at least
	// three INVITEs must have left.
	require.Eventually(t, func() bool {
		return conn.countMethod(INVITE) >= 3
	}, 20*T1, time.Millisecond)

	// With no response at all, Timer B times the transaction out.
	select {
	case <-tx.Done():
		require.ErrorIs(t, tx.Err(), ErrTransactionTimeout)
	case <-time.After(4 * Timer_B):
		t.Fatal("transaction did not time out")
	}
}

func TestClientTransactionNonInviteFSM(t *testing.T) {
	SetTimers(2*time.Millisecond, 8*time.Millisecond, 10*time.Millisecond)
	defer SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testCreateInvite(t, "127.0.0.99:5060", "127.0.0.2:5060")
	bye := newCancelRequest(req) // non-INVITE shape
	bye.Method = BYE
	bye.CSeq().MethodName = BYE

	conn := newTestConn()
	tx := NewClientTx("123", bye, conn, slog.Default())
	require.NoError(t, tx.Init())
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateTrying))

	res100 := NewResponseFromRequest(bye, StatusTrying, "Trying", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res100)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateProceeding))

	res200 := NewResponseFromRequest(bye, StatusOK, "OK", nil)
	go func() { <-tx.Responses() }()
	tx.Receive(res200)
	require.NoError(t, compareFunctions(tx.currentFsmState(), tx.stateCompleted))

	select {
	case <-tx.Done():
	case <-time.After(4 * Timer_K):
		t.Fatal("transaction did not terminate after Timer K")
	}
}
