// Package sip implements the subset of RFC 3261 needed to act as a UDP
// user agent: message codec, client/server transactions, dialogs and a
// minimal SDP offer/answer helper.
package sip

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"

	// DefaultSIPPort is assumed whenever a URI or Via carries no port.
	DefaultSIPPort = 5060
)

var (
	// T1: round-trip time estimate, default 500ms
	T1,
	// T2: maximum retransmission interval for non-INVITE requests and INVITE responses
	T2,
	// T4: maximum duration a message can remain in the network
	T4,
	// Timer_A controls request retransmissions over UDP. Doubles on every firing.
	Timer_A,
	// Timer_B (64*T1) bounds the wait for any final response to a request
	Timer_B,
	// Timer_D absorbs retransmitted 3xx-6xx responses after the client ACKed
	Timer_D,
	Timer_G,
	Timer_H,
	Timer_I,
	Timer_J,
	Timer_K,
	Timer_L,
	Timer_M time.Duration

	// Timer_1xx delays the automatic 100 Trying on an inbound INVITE,
	// giving the transaction user a short window to respond first.
	Timer_1xx = 200 * time.Millisecond

	TxSeperator = "__"
)

func init() {
	SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)
}

// SetTimers derives every RFC 3261 timer from T1/T2/T4. Tests use it to
// shrink the retransmission schedule.
func SetTimers(t1, t2, t4 time.Duration) {
	T1 = t1
	T2 = t2
	T4 = t4
	Timer_A = T1
	Timer_B = 64 * T1
	Timer_D = 32 * time.Second
	Timer_G = T1
	Timer_H = 64 * T1
	Timer_I = T4
	Timer_J = 64 * T1
	Timer_K = T4
	Timer_L = 64 * T1
	Timer_M = 64 * T1
	if t1 < 10*time.Millisecond {
		// keep the absorb window proportional when tests shrink timers
		Timer_D = 64 * t1
	}
}

var (
	// Transaction layer errors. Callers detect these with errors.Is.
	ErrTransactionTimeout    = errors.New("transaction timeout")
	ErrTransactionTransport  = errors.New("transaction transport error")
	ErrTransactionCanceled   = errors.New("transaction canceled")
	ErrTransactionTerminated = errors.New("transaction terminated")

	// ErrParse reports a malformed SIP message at the ingress boundary.
	ErrParse = errors.New("sip parse error")
)

func wrapTransportError(err error) error {
	return fmt.Errorf("%s. %w", err.Error(), ErrTransactionTransport)
}

// Addr is a host:port pair used for transport targets and Via construction.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return a.Host + ":" + strconv.Itoa(a.Port)
}

// ParseAddr splits host:port. Missing port falls back to DefaultSIPPort.
func ParseAddr(addr string) (Addr, error) {
	host, portstr, found := strings.Cut(addr, ":")
	if host == "" {
		return Addr{}, fmt.Errorf("empty host in addr %q", addr)
	}
	if !found {
		return Addr{Host: host, Port: DefaultSIPPort}, nil
	}
	port, err := strconv.Atoi(portstr)
	if err != nil {
		return Addr{}, fmt.Errorf("bad port in addr %q: %w", addr, err)
	}
	return Addr{Host: host, Port: port}, nil
}

// GenerateTag returns 32 random bits as lowercase hex, used for From/To tags.
func GenerateTag() string {
	return strconv.FormatUint(uint64(rand.Uint32()), 16)
}

// GenerateCallID concatenates the nanosecond clock with 32 random bits.
func GenerateCallID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 16) + strconv.FormatUint(uint64(rand.Uint32()), 16)
}

// GenerateBranch derives the Via branch parameter for a new transaction:
// the RFC 3261 magic cookie plus an MD5 over the fields that make the
// transaction unique.
func GenerateBranch(toTag, fromTag, callID string, via Addr, seqNo uint32) string {
	var sb strings.Builder
	sb.WriteString(toTag)
	sb.WriteString(fromTag)
	sb.WriteString(callID)
	sb.WriteString("SIP/2.0/UDP ")
	sb.WriteString(via.String())
	sb.WriteString(";")
	sb.WriteString(strconv.FormatUint(uint64(seqNo), 10))
	sum := md5.Sum([]byte(sb.String()))
	return RFC3261BranchMagicCookie + hex.EncodeToString(sum[:])
}

func isRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, RFC3261BranchMagicCookie) &&
		strings.TrimPrefix(branch, RFC3261BranchMagicCookie) != ""
}
