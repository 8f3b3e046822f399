package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMessage parses a UDP datagram into a Request or Response. Known
// headers become typed; everything else is retained verbatim and
// re-emitted in order on serialization.
func ParseMessage(data []byte) (Message, error) {
	head, body, found := strings.Cut(string(data), "\r\n\r\n")
	if !found {
		return nil, fmt.Errorf("%w: missing header/body boundary", ErrParse)
	}

	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty start line", ErrParse)
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		header, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		msg.AppendHeader(header)
	}

	// Body trusts the datagram boundary; Content-Length is advisory on UDP.
	msg.SetBody([]byte(body))
	return msg, nil
}

func parseStartLine(line string) (Message, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return nil, fmt.Errorf("%w: bad start line %q", ErrParse, line)
	}

	if fields[0] == "SIP/2.0" {
		code, err := strconv.Atoi(fields[1])
		if err != nil || code < 100 || code > 699 {
			return nil, fmt.Errorf("%w: bad status code %q", ErrParse, fields[1])
		}
		return NewResponse(code, fields[2]), nil
	}

	switch RequestMethod(fields[0]) {
	case INVITE, ACK, BYE, CANCEL, REGISTER, OPTIONS:
	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrParse, fields[0])
	}
	if fields[2] != "SIP/2.0" {
		return nil, fmt.Errorf("%w: bad sip version %q", ErrParse, fields[2])
	}
	uri, err := ParseUri(fields[1])
	if err != nil {
		return nil, err
	}
	return NewRequest(RequestMethod(fields[0]), uri), nil
}

func parseHeaderLine(line string) (Header, error) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return nil, fmt.Errorf("%w: bad header line %q", ErrParse, line)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	switch strings.ToLower(name) {
	case "via":
		return parseViaHeader(value)
	case "from":
		uri, params, display, err := parseAddressValue(value)
		if err != nil {
			return nil, err
		}
		return &FromHeader{DisplayName: display, Address: uri, Params: params}, nil
	case "to":
		uri, params, display, err := parseAddressValue(value)
		if err != nil {
			return nil, err
		}
		return &ToHeader{DisplayName: display, Address: uri, Params: params}, nil
	case "contact":
		uri, _, _, err := parseAddressValue(value)
		if err != nil {
			return nil, err
		}
		return &ContactHeader{Address: uri}, nil
	case "call-id":
		h := CallIDHeader(value)
		return &h, nil
	case "cseq":
		return parseCSeqHeader(value)
	case "content-length":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%w: bad Content-Length %q", ErrParse, value)
		}
		h := ContentLengthHeader(n)
		return &h, nil
	case "content-type":
		h := ContentTypeHeader(value)
		return &h, nil
	case "max-forwards":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%w: bad Max-Forwards %q", ErrParse, value)
		}
		h := MaxForwardsHeader(n)
		return &h, nil
	default:
		return &GenericHeader{HeaderName: name, Contents: value}, nil
	}
}

// parseViaHeader parses "SIP/2.0/UDP host[:port];param=value;...".
func parseViaHeader(value string) (*ViaHeader, error) {
	proto, rest, found := strings.Cut(value, " ")
	if !found {
		return nil, fmt.Errorf("%w: bad Via %q", ErrParse, value)
	}
	protoParts := strings.Split(proto, "/")
	if len(protoParts) != 3 || protoParts[0] != "SIP" {
		return nil, fmt.Errorf("%w: bad Via protocol %q", ErrParse, proto)
	}

	via := &ViaHeader{Transport: protoParts[2], Params: NewParams()}

	hostport := rest
	if sep := strings.IndexByte(rest, ';'); sep >= 0 {
		hostport = rest[:sep]
		if err := parseParams(rest[sep+1:], &via.Params); err != nil {
			return nil, err
		}
	}

	host, portstr, found := strings.Cut(strings.TrimSpace(hostport), ":")
	if host == "" {
		return nil, fmt.Errorf("%w: Via missing host %q", ErrParse, value)
	}
	via.Host = host
	if found {
		port, err := strconv.Atoi(portstr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad Via port %q", ErrParse, portstr)
		}
		via.Port = port
	}
	return via, nil
}

// parseAddressValue parses `["display"] <sip:uri>[;param=value...]` as
// used by From, To and Contact.
func parseAddressValue(value string) (uri Uri, params HeaderParams, display string, err error) {
	params = NewParams()
	rest := value

	if strings.HasPrefix(rest, "\"") {
		end := strings.Index(rest[1:], "\"")
		if end < 0 {
			err = fmt.Errorf("%w: unterminated display name %q", ErrParse, value)
			return
		}
		display = rest[1 : end+1]
		rest = strings.TrimSpace(rest[end+2:])
	}

	if open := strings.IndexByte(rest, '<'); open >= 0 {
		closing := strings.IndexByte(rest, '>')
		if closing < open {
			err = fmt.Errorf("%w: unbalanced angle brackets %q", ErrParse, value)
			return
		}
		uri, err = ParseUri(rest[open+1 : closing])
		if err != nil {
			return
		}
		rest = rest[closing+1:]
	} else {
		// Addr-spec form without brackets: params belong to the header.
		addrSpec := rest
		if sep := strings.IndexByte(rest, ';'); sep >= 0 {
			addrSpec = rest[:sep]
			rest = rest[sep:]
		} else {
			rest = ""
		}
		uri, err = ParseUri(addrSpec)
		if err != nil {
			return
		}
	}

	rest = strings.TrimPrefix(strings.TrimSpace(rest), ";")
	if rest != "" {
		err = parseParams(rest, &params)
	}
	return
}

func parseParams(s string, params *HeaderParams) error {
	for _, param := range strings.Split(s, ";") {
		if param == "" {
			continue
		}
		key, value, _ := strings.Cut(param, "=")
		params.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return nil
}

func parseCSeqHeader(value string) (*CSeqHeader, error) {
	seqstr, method, found := strings.Cut(value, " ")
	if !found {
		return nil, fmt.Errorf("%w: bad CSeq %q", ErrParse, value)
	}
	seq, err := strconv.ParseUint(seqstr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad CSeq number %q", ErrParse, seqstr)
	}
	return &CSeqHeader{SeqNo: uint32(seq), MethodName: RequestMethod(strings.TrimSpace(method))}, nil
}
