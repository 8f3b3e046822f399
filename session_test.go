package telebridge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telebridge/telebridge/sip"
)

func TestSessionManagerSingleCall(t *testing.T) {
	s := NewSessionManager()
	require.False(t, s.Busy())

	require.True(t, s.BeginInvite())
	require.True(t, s.Busy())
	// A second invite is refused while one is pending.
	require.False(t, s.BeginInvite())

	d := &sip.Dialog{CallID: "c", LocalTag: "l", RemoteTag: "r"}
	s.SetDialog(d)
	require.True(t, s.Busy())
	require.Equal(t, d, s.Dialog())
	// The invite claim collapsed into the dialog.
	require.False(t, s.BeginInvite())

	s.Cleanup()
	require.False(t, s.Busy())
	require.Nil(t, s.Dialog())
	require.True(t, s.BeginInvite())
}

func TestSessionManagerAbandonedInvite(t *testing.T) {
	s := NewSessionManager()
	require.True(t, s.BeginInvite())
	s.EndInvite()
	require.False(t, s.Busy())
}

func TestSessionManagerSessionStartSignal(t *testing.T) {
	s := NewSessionManager()

	select {
	case <-s.SessionStarted():
		t.Fatal("session start signaled before wiring")
	default:
	}

	s.SignalSessionStart()
	s.SignalSessionStart() // idempotent
	select {
	case <-s.SessionStarted():
	default:
		t.Fatal("session start not signaled")
	}

	// Cleanup re-arms the signal for the next call.
	s.Cleanup()
	select {
	case <-s.SessionStarted():
		t.Fatal("signal survived cleanup")
	default:
	}
}
