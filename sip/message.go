package sip

import "io"

type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

const (
	INVITE   RequestMethod = "INVITE"
	ACK      RequestMethod = "ACK"
	CANCEL   RequestMethod = "CANCEL"
	BYE      RequestMethod = "BYE"
	REGISTER RequestMethod = "REGISTER"
	OPTIONS  RequestMethod = "OPTIONS"
)

// Response status codes used by this user agent. Other 3xx-6xx codes are
// handled generically.
const (
	StatusTrying            = 100
	StatusRinging           = 180
	StatusOK                = 200
	StatusForbidden         = 403
	StatusBusyHere          = 486
	StatusRequestTerminated = 487
	StatusServerTimeout     = 504
)

type MessageHandler func(msg Message)

// Message is a parsed SIP request or response.
type Message interface {
	StartLine() string
	StartLineWrite(io.StringWriter)
	// String returns the RFC 3261 wire form.
	String() string
	StringWrite(io.StringWriter)
	// Short returns brief info for logging.
	Short() string

	Headers() []Header
	GetHeader(name string) Header
	AppendHeader(header Header)
	ReplaceHeader(header Header)
	RemoveHeader(name string)

	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CallID() *CallIDHeader
	CSeq() *CSeqHeader
	Contact() *ContactHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader

	Body() []byte
	SetBody(body []byte)

	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// MessageData is state shared between Request and Response.
type MessageData struct {
	headers
	SipVersion string
	body       []byte

	// src and dest are host:port used for internal routing.
	src  string
	dest string
}

func (msg *MessageData) Body() []byte {
	return msg.body
}

// SetBody sets the body and keeps Content-Length in sync.
func (msg *MessageData) SetBody(body []byte) {
	msg.body = body
	length := ContentLengthHeader(len(body))
	msg.ReplaceHeader(&length)
}

func (msg *MessageData) Source() string {
	return msg.src
}

func (msg *MessageData) SetSource(src string) {
	msg.src = src
}

func (msg *MessageData) Destination() string {
	return msg.dest
}

func (msg *MessageData) SetDestination(dest string) {
	msg.dest = dest
}
