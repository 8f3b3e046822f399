package sip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialogIDs(t *testing.T) {
	req := testCreateInvite(t, "10.0.0.6:5060", "10.0.0.2:5060")
	res := NewResponseFromRequest(req, StatusOK, "OK", nil)

	// UAC view: local tag is the From tag.
	uacID, ok := DialogIDFromResponse(res)
	require.True(t, ok)

	d := &Dialog{
		CallID:    string(*req.CallID()),
		LocalTag:  req.From().Tag(),
		RemoteTag: res.To().Tag(),
	}
	require.Equal(t, d.ID(), uacID)

	// UAS view swaps the tag roles.
	req.To().Params.Add("tag", res.To().Tag())
	uasID, ok := DialogIDFromRequest(req)
	require.True(t, ok)
	require.NotEqual(t, uacID, uasID)

	remote := &Dialog{
		CallID:    string(*req.CallID()),
		LocalTag:  res.To().Tag(),
		RemoteTag: req.From().Tag(),
	}
	require.Equal(t, remote.ID(), uasID)
}

func TestDialogIDRequiresBothTags(t *testing.T) {
	req := testCreateInvite(t, "10.0.0.6:5060", "10.0.0.2:5060")
	_, ok := DialogIDFromRequest(req)
	require.False(t, ok)
}

func TestDialogStore(t *testing.T) {
	store := NewDialogStore()
	d := &Dialog{CallID: "c1", LocalTag: "l", RemoteTag: "r", LocalSeq: 1}
	store.Put(d)

	got, ok := store.Get(d.ID())
	require.True(t, ok)
	require.Equal(t, d, got)
	require.Equal(t, 1, store.Len())

	require.Equal(t, uint32(2), d.NextLocalSeq())

	require.True(t, store.Drop(d.ID()))
	require.False(t, store.Drop(d.ID()))
	require.Equal(t, 0, store.Len())
}

func TestDialogRemoteIP(t *testing.T) {
	d := &Dialog{RemoteURI: Uri{Host: "10.0.0.6", Port: 5060}}
	require.Equal(t, "10.0.0.6", d.RemoteIP())
}
