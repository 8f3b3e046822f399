package telebridge

import (
	"sync"

	"github.com/telebridge/telebridge/rtp"
	"github.com/telebridge/telebridge/sip"
)

// SessionManager enforces the single-call invariant: at most one invite
// in progress or one established dialog, never both. It also owns the
// RTP endpoints of the current call for cleanup.
type SessionManager struct {
	mu           sync.Mutex
	inviteActive bool
	dialog       *sip.Dialog
	endpoints    []*rtp.Endpoint

	sessionStart chan struct{}
}

func NewSessionManager() *SessionManager {
	return &SessionManager{sessionStart: make(chan struct{})}
}

// Busy reports an invite or dialog in progress.
func (s *SessionManager) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inviteActive || s.dialog != nil
}

// BeginInvite claims the session for a new invite. Returns false when
// busy.
func (s *SessionManager) BeginInvite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inviteActive || s.dialog != nil {
		return false
	}
	s.inviteActive = true
	return true
}

// EndInvite releases the invite claim without establishing a dialog.
func (s *SessionManager) EndInvite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inviteActive = false
}

// SetDialog promotes the active invite into an established dialog.
func (s *SessionManager) SetDialog(d *sip.Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inviteActive = false
	s.dialog = d
}

func (s *SessionManager) Dialog() *sip.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

// AttachEndpoints hands the call's RTP endpoints over for lifecycle
// cleanup.
func (s *SessionManager) AttachEndpoints(eps ...*rtp.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, eps...)
}

// SignalSessionStart marks both sides wired. Safe to call once per call.
func (s *SessionManager) SignalSessionStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.sessionStart:
	default:
		close(s.sessionStart)
	}
}

// SessionStarted closes once media is bridged.
func (s *SessionManager) SessionStarted() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionStart
}

// Cleanup clears all call state, resets the signals and stops the RTP
// endpoints.
func (s *SessionManager) Cleanup() {
	s.mu.Lock()
	endpoints := s.endpoints
	s.endpoints = nil
	s.inviteActive = false
	s.dialog = nil
	s.sessionStart = make(chan struct{})
	s.mu.Unlock()

	for _, e := range endpoints {
		e.Stop()
	}
}
