package sip

import (
	"io"
	"strconv"
	"strings"
)

// Header is a single SIP header.
type Header interface {
	Name() string
	Value() string
	String() string
	// StringWrite writes "Name: value" into the shared buffer.
	StringWrite(w io.StringWriter)

	headerClone() Header
}

func HeaderClone(h Header) Header {
	return h.headerClone()
}

// HeaderParams holds ;-separated header parameters, preserving insertion
// order for byte-stable serialization.
type HeaderParams struct {
	order  []string
	values map[string]string
}

func NewParams() HeaderParams {
	return HeaderParams{values: map[string]string{}}
}

func (p HeaderParams) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p *HeaderParams) Add(key, value string) {
	if p.values == nil {
		p.values = map[string]string{}
	}
	if _, ok := p.values[key]; !ok {
		p.order = append(p.order, key)
	}
	p.values[key] = value
}

func (p HeaderParams) Length() int {
	return len(p.order)
}

func (p HeaderParams) Clone() HeaderParams {
	c := NewParams()
	for _, k := range p.order {
		c.Add(k, p.values[k])
	}
	return c
}

func (p HeaderParams) StringWrite(sep string, buffer io.StringWriter) {
	for i, k := range p.order {
		if i > 0 {
			buffer.WriteString(sep)
		}
		buffer.WriteString(k)
		if v := p.values[k]; v != "" {
			buffer.WriteString("=")
			buffer.WriteString(v)
		}
	}
}

// ViaHeader is the topmost Via hop: "SIP/2.0/UDP host:port;branch=...".
type ViaHeader struct {
	Transport string
	Host      string
	Port      int
	Params    HeaderParams
}

func (h *ViaHeader) Name() string { return "Via" }

func (h *ViaHeader) Value() string {
	var buffer strings.Builder
	h.valueWrite(&buffer)
	return buffer.String()
}

func (h *ViaHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ViaHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueWrite(buffer)
}

func (h *ViaHeader) valueWrite(buffer io.StringWriter) {
	buffer.WriteString("SIP/2.0/")
	buffer.WriteString(h.Transport)
	buffer.WriteString(" ")
	buffer.WriteString(h.Host)
	if h.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(h.Port))
	}
	if h.Params.Length() > 0 {
		buffer.WriteString(";")
		h.Params.StringWrite(";", buffer)
	}
}

// Branch returns the mandatory branch parameter, empty when absent.
func (h *ViaHeader) Branch() string {
	b, _ := h.Params.Get("branch")
	return b
}

// SendAddr is the address responses to this hop are sent to.
func (h *ViaHeader) SendAddr() Addr {
	port := h.Port
	if port == 0 {
		port = DefaultSIPPort
	}
	return Addr{Host: h.Host, Port: port}
}

func (h *ViaHeader) headerClone() Header {
	if h == nil {
		return (*ViaHeader)(nil)
	}
	return &ViaHeader{Transport: h.Transport, Host: h.Host, Port: h.Port, Params: h.Params.Clone()}
}

// FromHeader carries the originator URI and its tag parameter.
type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *FromHeader) Name() string { return "From" }

func (h *FromHeader) Value() string {
	var buffer strings.Builder
	addressValueWrite(h.DisplayName, h.Address, h.Params, &buffer)
	return buffer.String()
}

func (h *FromHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *FromHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	addressValueWrite(h.DisplayName, h.Address, h.Params, buffer)
}

func (h *FromHeader) Tag() string {
	t, _ := h.Params.Get("tag")
	return t
}

func (h *FromHeader) headerClone() Header {
	if h == nil {
		return (*FromHeader)(nil)
	}
	return &FromHeader{DisplayName: h.DisplayName, Address: h.Address, Params: h.Params.Clone()}
}

// ToHeader carries the recipient URI; its tag appears once a
// dialog-establishing response was issued.
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ToHeader) Name() string { return "To" }

func (h *ToHeader) Value() string {
	var buffer strings.Builder
	addressValueWrite(h.DisplayName, h.Address, h.Params, &buffer)
	return buffer.String()
}

func (h *ToHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ToHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	addressValueWrite(h.DisplayName, h.Address, h.Params, buffer)
}

func (h *ToHeader) Tag() string {
	t, _ := h.Params.Get("tag")
	return t
}

func (h *ToHeader) headerClone() Header {
	if h == nil {
		return (*ToHeader)(nil)
	}
	return &ToHeader{DisplayName: h.DisplayName, Address: h.Address, Params: h.Params.Clone()}
}

// ContactHeader advertises the target for in-dialog requests.
type ContactHeader struct {
	Address Uri
}

func (h *ContactHeader) Name() string { return "Contact" }

func (h *ContactHeader) Value() string {
	var buffer strings.Builder
	addressValueWrite("", h.Address, HeaderParams{}, &buffer)
	return buffer.String()
}

func (h *ContactHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContactHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	addressValueWrite("", h.Address, HeaderParams{}, buffer)
}

func (h *ContactHeader) headerClone() Header {
	if h == nil {
		return (*ContactHeader)(nil)
	}
	return &ContactHeader{Address: h.Address}
}

func addressValueWrite(display string, uri Uri, params HeaderParams, buffer io.StringWriter) {
	if display != "" {
		buffer.WriteString("\"")
		buffer.WriteString(display)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	uri.StringWrite(buffer)
	buffer.WriteString(">")
	if params.Length() > 0 {
		buffer.WriteString(";")
		params.StringWrite(";", buffer)
	}
}

// CallIDHeader is the Call-ID value.
type CallIDHeader string

func (h *CallIDHeader) Name() string  { return "Call-ID" }
func (h *CallIDHeader) Value() string { return string(*h) }

func (h *CallIDHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *CallIDHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(string(*h))
}

func (h *CallIDHeader) headerClone() Header {
	c := *h
	return &c
}

// CSeqHeader is "CSeq: <seq> <method>".
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) Value() string {
	return strconv.FormatUint(uint64(h.SeqNo), 10) + " " + string(h.MethodName)
}

func (h *CSeqHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *CSeqHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *CSeqHeader) headerClone() Header {
	c := *h
	return &c
}

// MaxForwardsHeader limits proxy hops.
type MaxForwardsHeader uint32

func (h *MaxForwardsHeader) Name() string  { return "Max-Forwards" }
func (h *MaxForwardsHeader) Value() string { return strconv.FormatUint(uint64(*h), 10) }

func (h *MaxForwardsHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *MaxForwardsHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *MaxForwardsHeader) headerClone() Header {
	c := *h
	return &c
}

// ContentTypeHeader names the body media type, here always application/sdp.
type ContentTypeHeader string

func (h *ContentTypeHeader) Name() string  { return "Content-Type" }
func (h *ContentTypeHeader) Value() string { return string(*h) }

func (h *ContentTypeHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContentTypeHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(string(*h))
}

func (h *ContentTypeHeader) headerClone() Header {
	c := *h
	return &c
}

// ContentLengthHeader is the computed body length in bytes.
type ContentLengthHeader int

func (h *ContentLengthHeader) Name() string  { return "Content-Length" }
func (h *ContentLengthHeader) Value() string { return strconv.Itoa(int(*h)) }

func (h *ContentLengthHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *ContentLengthHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	buffer.WriteString(h.Value())
}

func (h *ContentLengthHeader) headerClone() Header {
	c := *h
	return &c
}

// GenericHeader keeps a header this package does not natively understand.
// It is re-emitted verbatim in insertion order.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) Name() string  { return h.HeaderName }
func (h *GenericHeader) Value() string { return h.Contents }

func (h *GenericHeader) String() string {
	var buffer strings.Builder
	h.StringWrite(&buffer)
	return buffer.String()
}

func (h *GenericHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.HeaderName)
	buffer.WriteString(": ")
	buffer.WriteString(h.Contents)
}

func (h *GenericHeader) headerClone() Header {
	if h == nil {
		return (*GenericHeader)(nil)
	}
	return &GenericHeader{HeaderName: h.HeaderName, Contents: h.Contents}
}

// NewHeader builds a generic header.
func NewHeader(name, value string) Header {
	return &GenericHeader{HeaderName: name, Contents: value}
}

// headers is the ordered header collection shared by Request and Response.
// Well-known headers are additionally cached in typed slots.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callid        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
}

func (hs *headers) String() string {
	buffer := strings.Builder{}
	hs.StringWrite(&buffer)
	return buffer.String()
}

func (hs *headers) StringWrite(buffer io.StringWriter) {
	for _, header := range hs.headerOrder {
		header.StringWrite(buffer)
		buffer.WriteString("\r\n")
	}
}

// AppendHeader adds the header at the end, updating the typed slot.
func (hs *headers) AppendHeader(header Header) {
	hs.headerOrder = append(hs.headerOrder, header)
	hs.setTyped(header)
}

func (hs *headers) setTyped(header Header) {
	switch m := header.(type) {
	case *ViaHeader:
		hs.via = m
	case *FromHeader:
		hs.from = m
	case *ToHeader:
		hs.to = m
	case *CallIDHeader:
		hs.callid = m
	case *CSeqHeader:
		hs.cseq = m
	case *ContactHeader:
		hs.contact = m
	case *ContentLengthHeader:
		hs.contentLength = m
	case *ContentTypeHeader:
		hs.contentType = m
	}
}

func (hs *headers) ReplaceHeader(header Header) {
	for i, h := range hs.headerOrder {
		if h.Name() == header.Name() {
			hs.headerOrder[i] = header
			hs.setTyped(header)
			return
		}
	}
	hs.AppendHeader(header)
}

func (hs *headers) Headers() []Header {
	return hs.headerOrder
}

// GetHeader returns the first header with the given name, nil when absent.
func (hs *headers) GetHeader(name string) Header {
	nameLower := strings.ToLower(name)
	for _, h := range hs.headerOrder {
		if strings.ToLower(h.Name()) == nameLower {
			return h
		}
	}
	return nil
}

func (hs *headers) RemoveHeader(name string) {
	for idx, entry := range hs.headerOrder {
		if entry.Name() == name {
			hs.headerOrder = append(hs.headerOrder[:idx], hs.headerOrder[idx+1:]...)
			break
		}
	}
}

// CloneHeaders returns all headers cloned, in order.
func (hs *headers) CloneHeaders() []Header {
	hdrs := make([]Header, 0, len(hs.headerOrder))
	for _, h := range hs.headerOrder {
		hdrs = append(hdrs, h.headerClone())
	}
	return hdrs
}

func (hs *headers) Via() *ViaHeader                     { return hs.via }
func (hs *headers) From() *FromHeader                   { return hs.from }
func (hs *headers) To() *ToHeader                       { return hs.to }
func (hs *headers) CallID() *CallIDHeader               { return hs.callid }
func (hs *headers) CSeq() *CSeqHeader                   { return hs.cseq }
func (hs *headers) Contact() *ContactHeader             { return hs.contact }
func (hs *headers) ContentLength() *ContentLengthHeader { return hs.contentLength }
func (hs *headers) ContentType() *ContentTypeHeader     { return hs.contentType }
