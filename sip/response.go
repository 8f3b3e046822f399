package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response RFC 3261 - 7.2.
type Response struct {
	MessageData
	StatusCode int
	Reason     string
}

func NewResponse(statusCode int, reason string) *Response {
	res := &Response{}
	res.SipVersion = "SIP/2.0"
	res.headers = headers{headerOrder: make([]Header, 0, 10)}
	res.StatusCode = statusCode
	res.Reason = reason
	return res
}

func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d reason=%s source=%s", res.StatusCode, res.Reason, res.Source())
}

// StartLine returns the Status-Line - RFC 3261 7.2.
func (res *Response) StartLine() string {
	var buffer strings.Builder
	res.StartLineWrite(&buffer)
	return buffer.String()
}

func (res *Response) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(res.SipVersion)
	buffer.WriteString(" ")
	buffer.WriteString(strconv.Itoa(res.StatusCode))
	buffer.WriteString(" ")
	buffer.WriteString(res.Reason)
}

func (res *Response) String() string {
	var buffer strings.Builder
	res.StringWrite(&buffer)
	return buffer.String()
}

func (res *Response) StringWrite(buffer io.StringWriter) {
	res.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	res.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if res.body != nil {
		buffer.WriteString(string(res.body))
	}
}

func (res *Response) IsProvisional() bool {
	return res.StatusCode < 200
}

func (res *Response) IsSuccess() bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (res *Response) IsFinal() bool {
	return res.StatusCode >= 200
}

// Method returns the request method this response answers, carried by CSeq.
func (res *Response) Method() RequestMethod {
	if cseq := res.CSeq(); cseq != nil {
		return cseq.MethodName
	}
	return ""
}

// Destination is where the response is sent: the explicit override when
// set, otherwise the Via address.
func (res *Response) Destination() string {
	if dest := res.MessageData.Destination(); dest != "" {
		return dest
	}
	if via := res.Via(); via != nil {
		return via.SendAddr().String()
	}
	return ""
}

func (res *Response) Clone() *Response {
	newRes := NewResponse(res.StatusCode, res.Reason)
	newRes.SipVersion = res.SipVersion
	for _, h := range res.CloneHeaders() {
		newRes.AppendHeader(h)
	}
	newRes.SetBody(res.Body())
	newRes.SetSource(res.Source())
	newRes.SetDestination(res.Destination())
	return newRes
}

// NewResponseFromRequest builds a response per RFC 3261 - 8.2.6: Via, From,
// To, Call-ID and CSeq are mirrored. Every non-100 response gets a To tag
// when the request had none; the same tag must be reused for all responses
// within one transaction, which callers get by responding through the
// transaction (it mirrors these headers once).
func NewResponseFromRequest(req *Request, statusCode int, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)
	res.SipVersion = req.SipVersion
	if h := req.Via(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.From(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.To(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CallID(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CSeq(); h != nil {
		res.AppendHeader(h.headerClone())
	}

	if statusCode != StatusTrying {
		if to := res.To(); to != nil && to.Tag() == "" {
			to.Params.Add("tag", uuid.NewString())
		}
	}

	res.SetBody(body)
	res.SetDestination(req.Source())
	return res
}
