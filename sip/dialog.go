package sip

import (
	"strings"
	"sync"
)

// Dialog is the peer-to-peer SIP relationship surviving across
// transactions, identified by Call-ID plus both tags.
type Dialog struct {
	CallID    string
	LocalTag  string
	RemoteTag string

	LocalURI  Uri
	RemoteURI Uri
	// RemoteTarget is the peer Contact; in-dialog requests go there.
	RemoteTarget Uri

	// LocalSeq grows for every new in-dialog request; an ACK resend keeps
	// the INVITE's number.
	LocalSeq  uint32
	RemoteSeq uint32

	// Remote media ports cached from the SDP answer/offer.
	RemoteRTPPort  int
	RemoteRTCPPort int
}

// ID joins Call-ID, local tag and remote tag.
func (d *Dialog) ID() string {
	return strings.Join([]string{d.CallID, d.LocalTag, d.RemoteTag}, TxSeperator)
}

// RemoteIP returns the host of the dialog's remote URI.
func (d *Dialog) RemoteIP() string {
	return d.RemoteURI.Host
}

// NextLocalSeq reserves the CSeq for a new in-dialog request.
func (d *Dialog) NextLocalSeq() uint32 {
	d.LocalSeq++
	return d.LocalSeq
}

// DialogIDFromResponse derives the UAC-side dialog ID: local tag is the
// From tag, remote tag the To tag.
func DialogIDFromResponse(res *Response) (string, bool) {
	from, to, callid := res.From(), res.To(), res.CallID()
	if from == nil || to == nil || callid == nil || from.Tag() == "" || to.Tag() == "" {
		return "", false
	}
	return strings.Join([]string{string(*callid), from.Tag(), to.Tag()}, TxSeperator), true
}

// DialogIDFromRequest derives the UAS-side dialog ID: the roles swap, the
// local tag is the To tag.
func DialogIDFromRequest(req *Request) (string, bool) {
	from, to, callid := req.From(), req.To(), req.CallID()
	if from == nil || to == nil || callid == nil || from.Tag() == "" || to.Tag() == "" {
		return "", false
	}
	return strings.Join([]string{string(*callid), to.Tag(), from.Tag()}, TxSeperator), true
}

// DialogStore tracks active dialogs by ID.
type DialogStore struct {
	mu    sync.RWMutex
	items map[string]*Dialog
}

func NewDialogStore() *DialogStore {
	return &DialogStore{items: make(map[string]*Dialog)}
}

func (s *DialogStore) Put(d *Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[d.ID()] = d
}

func (s *DialogStore) Get(id string) (*Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[id]
	return d, ok
}

func (s *DialogStore) Drop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok
}

func (s *DialogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
