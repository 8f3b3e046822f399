package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TransactionUserTimeout bounds how long an inbound call may ring before
// the user agent gives up with 504.
var TransactionUserTimeout = 20 * time.Second

// ErrInviteFailed reports that an INVITE produced no dialog. Callers use
// it to post a chat failure and leave the voice channel.
var ErrInviteFailed = errors.New("failed to establish a dialog")

// AdmissionControl decides whether an inbound INVITE may ring through.
// Implemented by the session manager; keeps the UA free of app state.
type AdmissionControl interface {
	// Busy reports an invite or dialog already in progress.
	Busy() bool
	// AllowedPeer reports whether the source host may place calls here.
	AllowedPeer(host string) bool
}

// SessionEvents receives call lifecycle notifications.
type SessionEvents interface {
	InboundCall(from Uri)
	InboundCallAccepted(d *Dialog)
	InboundCallEnded()
}

// UserAgent is the SIP transaction user: outbound INVITE/CANCEL/BYE and
// the inbound call policy.
type UserAgent struct {
	public  Addr
	rtpPort int

	tl      *TransactionLayer
	dialogs *DialogStore

	admission AdmissionControl
	events    SessionEvents

	mu            sync.Mutex
	pendingAnswer chan struct{}

	log *slog.Logger
}

type UserAgentOption func(ua *UserAgent)

func WithUserAgentLogger(l *slog.Logger) UserAgentOption {
	return func(ua *UserAgent) {
		if l != nil {
			ua.log = l.With("caller", "UserAgent")
		}
	}
}

func WithAdmissionControl(a AdmissionControl) UserAgentOption {
	return func(ua *UserAgent) { ua.admission = a }
}

func WithSessionEvents(e SessionEvents) UserAgentOption {
	return func(ua *UserAgent) { ua.events = e }
}

// NewUserAgent wires the UA onto a transaction layer. public is the
// address advertised in Via/Contact; rtpPort goes into SDP bodies.
func NewUserAgent(public Addr, rtpPort int, tl *TransactionLayer, options ...UserAgentOption) *UserAgent {
	ua := &UserAgent{
		public:  public,
		rtpPort: rtpPort,
		tl:      tl,
		dialogs: NewDialogStore(),
		log:     DefaultLogger().With("caller", "UserAgent"),
	}
	for _, o := range options {
		o(ua)
	}
	tl.OnRequest(ua.handleRequest)
	return ua
}

func (ua *UserAgent) Dialogs() *DialogStore {
	return ua.dialogs
}

// LocalURI is the URI used in From and Contact on outbound requests.
func (ua *UserAgent) LocalURI() Uri {
	return Uri{User: "IPCall", Host: ua.public.Host, Port: ua.public.Port}
}

// Invite places an outbound call and blocks until a dialog exists or the
// attempt failed. Canceling ctx while ringing sends CANCEL - RFC 3261 9.1.
func (ua *UserAgent) Invite(ctx context.Context, remote Addr) (*Dialog, error) {
	ua.log.Info("Attempting to initiate a call", "remote", remote.String())

	req, err := ua.buildInvite(remote)
	if err != nil {
		return nil, err
	}
	tx, err := ua.tl.Request(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInviteFailed, err)
	}

	for {
		select {
		case <-ctx.Done():
			ua.cancelInvite(tx, req)
			return nil, fmt.Errorf("%w: %s", ErrInviteFailed, ctx.Err())

		case res := <-tx.Responses():
			if res.IsProvisional() {
				ua.log.Debug("Provisional response", "status", res.StatusCode)
				continue
			}
			if res.IsSuccess() {
				return ua.completeInvite(req, res)
			}
			// The transaction keeps absorbing retransmitted rejections.
			return nil, fmt.Errorf("%w: remote answered %d %s", ErrInviteFailed, res.StatusCode, res.Reason)

		case <-tx.Done():
			return nil, fmt.Errorf("%w: %s", ErrInviteFailed, tx.Err())
		}
	}
}

func (ua *UserAgent) buildInvite(remote Addr) (*Request, error) {
	fromTag := GenerateTag()
	callID := GenerateCallID()
	var seqNo uint32 = 1
	branch := GenerateBranch("", fromTag, callID, ua.public, seqNo)

	req := NewRequest(INVITE, Uri{Host: remote.Host, Port: remote.Port})
	via := &ViaHeader{Transport: "UDP", Host: ua.public.Host, Port: ua.public.Port, Params: NewParams()}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)

	from := &FromHeader{Address: ua.LocalURI(), Params: NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&ToHeader{Address: Uri{Host: remote.Host, Port: remote.Port}, Params: NewParams()})

	cid := CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&CSeqHeader{SeqNo: seqNo, MethodName: INVITE})
	req.AppendHeader(&ContactHeader{Address: ua.LocalURI()})
	maxFwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	body, err := BuildSDP(ua.public.Host, ua.rtpPort)
	if err != nil {
		return nil, err
	}
	ct := ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(body)
	req.SetDestination(remote.String())
	return req, nil
}

// completeInvite runs the UAC side of dialog construction on 2xx: dialog
// state, media ports from the answer SDP, and the direct ACK per
// RFC 3261 13.2.2.4 (no new transaction).
func (ua *UserAgent) completeInvite(req *Request, res *Response) (*Dialog, error) {
	to := res.To()
	if to == nil || to.Tag() == "" {
		return nil, fmt.Errorf("%w: 2xx without To tag", ErrInviteFailed)
	}

	d := &Dialog{
		CallID:       string(*req.CallID()),
		LocalTag:     req.From().Tag(),
		RemoteTag:    to.Tag(),
		LocalURI:     ua.LocalURI(),
		RemoteURI:    Uri{Host: req.Recipient.Host, Port: req.Recipient.Port},
		RemoteTarget: req.Recipient,
		LocalSeq:     req.CSeq().SeqNo,
	}
	if contact := res.Contact(); contact != nil {
		d.RemoteTarget = contact.Address
	}
	if rtpPort, rtcpPort, err := ParseSDP(res.Body()); err == nil {
		d.RemoteRTPPort = rtpPort
		d.RemoteRTCPPort = rtcpPort
	} else {
		ua.log.Warn("2xx carried no usable SDP answer", "error", err)
	}

	ack, err := NewAckRequest(req, res)
	if err != nil {
		return nil, err
	}
	// ACK goes to where the INVITE went; the Contact URI names the peer
	// but our peers are single-homed UAs.
	ack.SetDestination(req.Destination())
	if err := ua.tl.WriteMsg(ack); err != nil {
		return nil, fmt.Errorf("%w: sending ACK: %s", ErrInviteFailed, err)
	}

	ua.dialogs.Put(d)
	ua.log.Info("Dialog established", "dialog", d.ID())
	return d, nil
}

// cancelInvite sends CANCEL for an in-flight INVITE. CANCEL is only legal
// once a provisional arrived, so wait for one (bounded by the transaction
// timeout) before deriving it.
func (ua *UserAgent) cancelInvite(tx *ClientTx, req *Request) {
	ua.log.Info("Cancelling call")

	select {
	case <-tx.Provisional():
	case <-tx.Done():
		return
	case <-time.After(Timer_B):
		tx.Terminate()
		return
	}

	cancel := newCancelRequest(req)
	ctx, stop := context.WithTimeout(context.Background(), Timer_B)
	defer stop()
	if err := ua.transact(ctx, cancel); err != nil {
		ua.log.Warn("CANCEL failed", "error", err)
	}

	// The canceled INVITE finishes with 487 through its own transaction.
	select {
	case <-tx.Done():
	case res := <-tx.Responses():
		ua.log.Debug("Response on canceled INVITE", "status", res.StatusCode)
	case <-time.After(Timer_B):
		tx.Terminate()
	}
}

// Bye ends an established dialog with an in-dialog BYE.
func (ua *UserAgent) Bye(ctx context.Context, d *Dialog) error {
	ua.log.Info("Ending call", "dialog", d.ID())

	target := d.RemoteTarget.Addr()
	seqNo := d.NextLocalSeq()
	branch := GenerateBranch(d.RemoteTag, d.LocalTag, d.CallID, ua.public, seqNo)

	req := NewRequest(BYE, d.RemoteTarget)
	via := &ViaHeader{Transport: "UDP", Host: ua.public.Host, Port: ua.public.Port, Params: NewParams()}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)

	from := &FromHeader{Address: d.LocalURI, Params: NewParams()}
	from.Params.Add("tag", d.LocalTag)
	req.AppendHeader(from)
	to := &ToHeader{Address: d.RemoteURI, Params: NewParams()}
	to.Params.Add("tag", d.RemoteTag)
	req.AppendHeader(to)

	cid := CallIDHeader(d.CallID)
	req.AppendHeader(&cid)
	req.AppendHeader(&CSeqHeader{SeqNo: seqNo, MethodName: BYE})
	maxFwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetBody(nil)
	req.SetDestination(target.String())

	err := ua.transact(ctx, req)
	ua.dialogs.Drop(d.ID())
	return err
}

// transact runs a non-INVITE client transaction to its final response.
func (ua *UserAgent) transact(ctx context.Context, req *Request) error {
	tx, err := ua.tl.Request(req)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			ua.log.Debug("Final response", "method", req.Method, "status", res.StatusCode)
			return nil
		case <-tx.Done():
			if err := tx.Err(); err != nil && !errors.Is(err, ErrTransactionTerminated) {
				return err
			}
			return nil
		}
	}
}

// Answer accepts the currently ringing inbound call. The latch is
// consumed exactly once per call and reset on cleanup.
func (ua *UserAgent) Answer() {
	ua.mu.Lock()
	ch := ua.pendingAnswer
	ua.pendingAnswer = nil
	ua.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (ua *UserAgent) setPendingAnswer(ch chan struct{}) {
	ua.mu.Lock()
	ua.pendingAnswer = ch
	ua.mu.Unlock()
}

func (ua *UserAgent) clearPendingAnswer() {
	ua.mu.Lock()
	ua.pendingAnswer = nil
	ua.mu.Unlock()
}

// handleRequest is the transaction layer's request callback.
func (ua *UserAgent) handleRequest(req *Request, tx *ServerTx) {
	switch req.Method {
	case INVITE:
		ua.handleInvite(req, tx)
	case BYE:
		ua.handleBye(req, tx)
	case CANCEL:
		// A CANCEL matching a live INVITE never reaches here; this one
		// has nothing to cancel - RFC 3261 9.2.
		ua.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
	case ACK:
		// Orphan ACK outside any transaction.
	default:
		ua.log.Info("Unsupported request method", "method", req.Method)
		tx.Terminate()
	}
}

// handleInvite applies the inbound call policy: busy, allow-list, ring,
// then answer or time out.
func (ua *UserAgent) handleInvite(req *Request, tx *ServerTx) {
	if ua.admission == nil || ua.events == nil {
		ua.respond(req, tx, StatusForbidden, "Forbidden", nil)
		return
	}

	if ua.admission.Busy() {
		ua.respond(req, tx, StatusBusyHere, "Busy Here", nil)
		return
	}

	srcHost := req.Source()
	if host, _, err := net.SplitHostPort(srcHost); err == nil {
		srcHost = host
	}
	if !ua.admission.AllowedPeer(srcHost) {
		ua.log.Info("Rejecting INVITE from unlisted peer", "peer", srcHost)
		ua.respond(req, tx, StatusForbidden, "Forbidden", nil)
		return
	}

	ua.respond(req, tx, StatusRinging, "Ringing", nil)

	answer := make(chan struct{})
	ua.setPendingAnswer(answer)
	canceled := make(chan struct{})
	tx.OnCancel(func(r *Request) { close(canceled) })

	ua.events.InboundCall(req.From().Address)

	select {
	case <-answer:
	case <-canceled:
		ua.clearPendingAnswer()
		ua.events.InboundCallEnded()
		return
	case <-tx.Done():
		ua.clearPendingAnswer()
		ua.events.InboundCallEnded()
		return
	case <-time.After(TransactionUserTimeout):
		ua.clearPendingAnswer()
		ua.respond(req, tx, StatusServerTimeout, "Server Time-out", nil)
		return
	}

	body, err := BuildSDP(ua.public.Host, ua.rtpPort)
	if err != nil {
		ua.log.Error("building SDP answer failed", "error", err)
		ua.respond(req, tx, 500, "Server Internal Error", nil)
		return
	}

	res := NewResponseFromRequest(req, StatusOK, "OK", nil)
	ct := ContentTypeHeader("application/sdp")
	res.AppendHeader(&ct)
	res.AppendHeader(&ContactHeader{Address: Uri{Host: ua.public.Host, Port: ua.public.Port}})
	res.SetBody(body)
	if err := tx.Respond(res); err != nil {
		ua.log.Error("sending 200 OK failed", "error", err)
		return
	}

	d := &Dialog{
		CallID:       string(*req.CallID()),
		LocalTag:     tx.LocalTag(),
		RemoteTag:    req.From().Tag(),
		LocalURI:     ua.LocalURI(),
		RemoteURI:    req.From().Address,
		RemoteTarget: req.From().Address,
		RemoteSeq:    req.CSeq().SeqNo,
	}
	if contact := req.Contact(); contact != nil {
		d.RemoteTarget = contact.Address
	}
	if rtpPort, rtcpPort, err := ParseSDP(req.Body()); err == nil {
		d.RemoteRTPPort = rtpPort
		d.RemoteRTCPPort = rtcpPort
	}
	ua.dialogs.Put(d)

	// The caller confirms with ACK; tolerate its loss - media setup must
	// not hang on a dropped datagram.
	select {
	case <-tx.Acks():
	case <-tx.Done():
	case <-time.After(Timer_L):
	}

	ua.events.InboundCallAccepted(d)
}

func (ua *UserAgent) handleBye(req *Request, tx *ServerTx) {
	ua.respond(req, tx, StatusOK, "OK", nil)

	if id, ok := DialogIDFromRequest(req); ok {
		ua.dialogs.Drop(id)
	}
	if ua.events != nil {
		ua.events.InboundCallEnded()
	}
}

func (ua *UserAgent) respond(req *Request, tx *ServerTx, statusCode int, reason string, body []byte) {
	res := NewResponseFromRequest(req, statusCode, reason, body)
	if err := tx.Respond(res); err != nil {
		ua.log.Error("sending response failed", "status", statusCode, "error", err)
	}
}
