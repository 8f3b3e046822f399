package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Uri is a sip: URI of the form sip:[user@]host[:port]. URI parameters
// beyond user/host/port are not modeled; peers here are plain IP UAs.
type Uri struct {
	User string
	Host string
	Port int
}

func (uri Uri) String() string {
	var buffer strings.Builder
	uri.StringWrite(&buffer)
	return buffer.String()
}

func (uri Uri) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("sip:")
	if uri.User != "" {
		buffer.WriteString(uri.User)
		buffer.WriteString("@")
	}
	buffer.WriteString(uri.Host)
	if uri.Port > 0 {
		buffer.WriteString(":")
		buffer.WriteString(strconv.Itoa(uri.Port))
	}
}

// Addr returns the URI target as a transport address, applying the
// default SIP port when the URI carries none.
func (uri Uri) Addr() Addr {
	port := uri.Port
	if port == 0 {
		port = DefaultSIPPort
	}
	return Addr{Host: uri.Host, Port: port}
}

// ParseUri parses sip:[user@]host[:port], tolerating surrounding angle
// brackets and trailing URI parameters.
func ParseUri(s string) (Uri, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	if params := strings.IndexByte(s, ';'); params >= 0 {
		s = s[:params]
	}

	rest, ok := strings.CutPrefix(s, "sip:")
	if !ok {
		return Uri{}, fmt.Errorf("%w: uri %q missing sip scheme", ErrParse, s)
	}

	var uri Uri
	if user, hostport, found := strings.Cut(rest, "@"); found {
		uri.User = user
		rest = hostport
	}

	host, portstr, found := strings.Cut(rest, ":")
	if host == "" {
		return Uri{}, fmt.Errorf("%w: uri %q missing host", ErrParse, s)
	}
	uri.Host = host
	if found {
		port, err := strconv.Atoi(portstr)
		if err != nil {
			return Uri{}, fmt.Errorf("%w: uri %q bad port", ErrParse, s)
		}
		uri.Port = port
	}
	return uri, nil
}
