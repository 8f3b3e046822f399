package sip

import (
	"fmt"
	"io"
	"strings"
)

// Request RFC 3261 - 7.1.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri
}

// NewRequest creates the base of a request. Headers are appended by the
// caller; SetBody keeps Content-Length correct.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	req := &Request{}
	req.SipVersion = "SIP/2.0"
	req.headers = headers{headerOrder: make([]Header, 0, 10)}
	req.Method = method
	req.Recipient = recipient
	return req
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s recipient=%s source=%s", req.Method, req.Recipient.String(), req.Source())
}

// StartLine returns the Request-Line - RFC 3261 7.1.
func (req *Request) StartLine() string {
	var buffer strings.Builder
	req.StartLineWrite(&buffer)
	return buffer.String()
}

func (req *Request) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(string(req.Method))
	buffer.WriteString(" ")
	req.Recipient.StringWrite(buffer)
	buffer.WriteString(" ")
	buffer.WriteString(req.SipVersion)
}

func (req *Request) String() string {
	var buffer strings.Builder
	req.StringWrite(&buffer)
	return buffer.String()
}

func (req *Request) StringWrite(buffer io.StringWriter) {
	req.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	req.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if req.body != nil {
		buffer.WriteString(string(req.body))
	}
}

func (req *Request) IsInvite() bool {
	return req.Method == INVITE
}

func (req *Request) IsAck() bool {
	return req.Method == ACK
}

func (req *Request) IsCancel() bool {
	return req.Method == CANCEL
}

// Destination returns the transport target: an explicit override when
// set, otherwise the Request-URI address.
func (req *Request) Destination() string {
	if dest := req.MessageData.Destination(); dest != "" {
		return dest
	}
	return req.Recipient.Addr().String()
}

// Clone performs a shallow clone sharing the body bytes.
func (req *Request) Clone() *Request {
	newReq := NewRequest(req.Method, req.Recipient)
	newReq.SipVersion = req.SipVersion
	for _, h := range req.CloneHeaders() {
		newReq.AppendHeader(h)
	}
	newReq.SetBody(req.Body())
	newReq.SetSource(req.Source())
	newReq.SetDestination(req.Destination())
	return newReq
}

// NewAckRequest builds the ACK for a 2xx response - RFC 3261 13.2.2.4.
// The Request-URI comes from the response Contact; Via, From, Call-ID and
// the CSeq number are those of the INVITE, To carries the response tag.
func NewAckRequest(invite *Request, res *Response) (*Request, error) {
	target := invite.Recipient
	if contact := res.Contact(); contact != nil {
		target = contact.Address
	}

	ack := NewRequest(ACK, target)
	ack.SipVersion = invite.SipVersion
	if h := invite.Via(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := invite.From(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	cseq := invite.CSeq()
	if cseq == nil {
		return nil, fmt.Errorf("%w: INVITE missing CSeq", ErrParse)
	}
	ack.AppendHeader(&CSeqHeader{SeqNo: cseq.SeqNo, MethodName: ACK})
	maxFwd := MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	ack.SetBody(nil)
	ack.SetDestination(invite.Destination())
	return ack, nil
}

// newAckRequestNon2xx is the in-transaction ACK for a 3xx-6xx response -
// RFC 3261 17.1.1.3. It reuses the INVITE branch and target.
func newAckRequestNon2xx(invite *Request, res *Response) *Request {
	ack := NewRequest(ACK, invite.Recipient)
	ack.SipVersion = invite.SipVersion
	if h := invite.Via(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	maxFwd := MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := invite.From(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(h.headerClone())
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&CSeqHeader{SeqNo: h.SeqNo, MethodName: ACK})
	}
	ack.SetBody(nil)
	ack.SetDestination(invite.Destination())
	return ack
}

// newCancelRequest derives CANCEL from an in-progress INVITE - RFC 3261
// 9.1. Branch, From tag, To, Call-ID and the CSeq number are inherited;
// only the method differs, so the transaction ID differs.
func newCancelRequest(invite *Request) *Request {
	cancel := NewRequest(CANCEL, invite.Recipient)
	cancel.SipVersion = invite.SipVersion
	if h := invite.Via(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	maxFwd := MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	if h := invite.From(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(h.headerClone())
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(&CSeqHeader{SeqNo: h.SeqNo, MethodName: CANCEL})
	}
	cancel.SetBody(nil)
	cancel.SetDestination(invite.Destination())
	return cancel
}
