package rtp

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/telebridge/telebridge/metrics"
)

// ipDiscoverySize is the fixed length of Discord's IP discovery frames:
// 2 bytes type, 2 bytes length (70), 4 bytes ssrc, 64 bytes address, 2
// bytes port.
const ipDiscoverySize = 74

// ErrDecryptionFailed is counted and swallowed on the media path; a lost
// packet is voice-grade loss, not a fault.
var ErrDecryptionFailed = errors.New("rtp decryption failed")

// Endpoint is one datagram leg of the relay. Two armed endpoints get
// cross-linked with Proxy; from then on everything read from one is
// re-framed and written out the other.
type Endpoint struct {
	ssrc      uint32
	encrypted bool

	mu         sync.Mutex
	aead       cipher.AEAD
	nonceCount uint32
	peer       *Endpoint
	ctrlPeer   *Endpoint

	conn   *net.UDPConn
	remote *net.UDPAddr

	publicIP   string
	discovered chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	log *slog.Logger
}

type EndpointOption func(e *Endpoint)

func WithEndpointLogger(l *slog.Logger) EndpointOption {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l.With("caller", "RtpEndpoint")
		}
	}
}

// WithSSRC sets the SSRC stamped onto every forwarded packet.
func WithSSRC(ssrc uint32) EndpointOption {
	return func(e *Endpoint) { e.ssrc = ssrc }
}

// WithEncryption marks the Discord-facing leg. The endpoint performs IP
// discovery on startup and refuses to emit or forward anything until its
// secret key is installed.
func WithEncryption() EndpointOption {
	return func(e *Endpoint) { e.encrypted = true }
}

// NewEndpoint binds localAddr and starts the read loop towards remote.
// An encrypted endpoint immediately emits the IP discovery request.
func NewEndpoint(localAddr, remoteAddr string, options ...EndpointOption) (*Endpoint, error) {
	e := &Endpoint{
		discovered: make(chan struct{}),
		done:       make(chan struct{}),
		log:        slog.Default().With("caller", "RtpEndpoint"),
	}
	for _, o := range options {
		o(e)
	}

	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve rtp local addr %q: %w", localAddr, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve rtp remote addr %q: %w", remoteAddr, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind rtp socket %q: %w", localAddr, err)
	}
	e.conn = conn
	e.remote = raddr

	if e.encrypted {
		if err := e.sendIPDiscovery(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go e.readLoop()
	return e, nil
}

// Proxy cross-links a media pair and their control pair into a live
// bridge. This is the only operation that starts relaying.
func Proxy(x, y, xCtrl, yCtrl *Endpoint) {
	x.setPeers(y, yCtrl)
	y.setPeers(x, xCtrl)
	// The control endpoints link to each other. A leg that muxes RTCP on
	// its media socket passes itself as its control endpoint.
	if xCtrl != nil {
		xCtrl.setCtrlPeer(yCtrl)
	}
	if yCtrl != nil {
		yCtrl.setCtrlPeer(xCtrl)
	}
}

func (e *Endpoint) setPeers(peer, ctrlPeer *Endpoint) {
	e.mu.Lock()
	e.peer = peer
	e.ctrlPeer = ctrlPeer
	e.mu.Unlock()
}

func (e *Endpoint) setCtrlPeer(ctrlPeer *Endpoint) {
	e.mu.Lock()
	e.ctrlPeer = ctrlPeer
	e.mu.Unlock()
}

// SetSecretKey installs the AEAD secret negotiated on the voice gateway,
// arming the endpoint.
func (e *Endpoint) SetSecretKey(key []byte) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("installing secret key: %w", err)
	}
	e.mu.Lock()
	e.aead = aead
	e.mu.Unlock()
	return nil
}

// PublicIP returns the discovered address once Discovered closed.
func (e *Endpoint) PublicIP() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.publicIP
}

// Discovered closes when the IP discovery response arrived.
func (e *Endpoint) Discovered() <-chan struct{} {
	return e.discovered
}

// LocalPort is the bound UDP port.
func (e *Endpoint) LocalPort() int {
	return e.conn.LocalAddr().(*net.UDPAddr).Port
}

func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Stop closes the socket; the read loop drains out.
func (e *Endpoint) Stop() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.conn.Close()
	})
}

// Send re-frames the packet in this endpoint's terms and writes it out:
// SSRC rewrite, then either AEAD sealing (Discord leg) or extension
// stripping (cleartext SIP leg).
func (e *Endpoint) Send(p *Packet) {
	if e.ssrc != 0 {
		p.SetSSRC(e.ssrc)
	}

	if e.encrypted {
		if !e.encrypt(p) {
			// No key yet; an encrypted endpoint never emits plaintext.
			return
		}
	} else {
		p.StripExtension()
		p.Nonce = nil
	}

	if _, err := e.conn.WriteToUDP(p.Marshal(), e.remote); err != nil {
		// Voice-grade loss tolerance: log and continue.
		e.log.Debug("rtp send failed", "error", err)
	}
	metrics.RTPPacketsRelayed.Inc()
}

// encrypt seals the payload with a fresh monotonic nonce; the header is
// authenticated as associated data. Reports false when no key is known.
func (e *Endpoint) encrypt(p *Packet) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aead == nil {
		return false
	}

	e.nonceCount++
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(nonce[:NonceCounterSize], e.nonceCount)

	p.Payload = e.aead.Seal(nil, nonce, p.Payload, p.Header)
	p.Nonce = nonce
	return true
}

// decrypt opens the payload using the counter the packet carried.
func (e *Endpoint) decrypt(p *Packet) error {
	e.mu.Lock()
	aead := e.aead
	e.mu.Unlock()
	if aead == nil {
		return ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, p.Nonce, p.Payload, p.Header)
	if err != nil {
		metrics.RTPDecryptFailures.Inc()
		return fmt.Errorf("%w: %s", ErrDecryptionFailed, err)
	}
	p.Payload = plaintext
	p.Nonce = nil
	return nil
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, 1<<16)
	for {
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.done:
			default:
				e.log.Debug("rtp read loop ended", "error", err)
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.handleDatagram(data)
	}
}

func (e *Endpoint) handleDatagram(data []byte) {
	if e.isIPDiscoveryResponse(data) {
		ip, err := parseIPDiscoveryResponse(data)
		if err != nil {
			e.log.Warn("bad ip discovery response", "error", err)
			return
		}
		e.mu.Lock()
		first := e.publicIP == ""
		e.publicIP = ip
		e.mu.Unlock()
		if first {
			close(e.discovered)
			e.log.Info("public address discovered", "ip", ip)
		}
		return
	}

	p, err := ParsePacket(data, e.encrypted)
	if err != nil {
		e.log.Debug("dropping unparsable datagram", "error", err)
		return
	}

	if e.encrypted {
		if err := e.decrypt(p); err != nil {
			// Tampered or early packet: drop silently, count it.
			return
		}
	}

	e.mu.Lock()
	peer, ctrlPeer := e.peer, e.ctrlPeer
	e.mu.Unlock()

	// Forwarding runs the peer's send path, so SSRC rewrite and
	// re-encryption happen in the peer's terms.
	if p.Kind == KindRTCP && ctrlPeer != nil {
		ctrlPeer.Send(p)
		return
	}
	if peer != nil {
		peer.Send(p)
	}
}

// sendIPDiscovery emits the 74-byte request: type 0x0001, length 70,
// ssrc, zero padding.
func (e *Endpoint) sendIPDiscovery() error {
	var req [ipDiscoverySize]byte
	binary.BigEndian.PutUint16(req[0:2], 0x0001)
	binary.BigEndian.PutUint16(req[2:4], 70)
	binary.BigEndian.PutUint32(req[4:8], e.ssrc)
	if _, err := e.conn.WriteToUDP(req[:], e.remote); err != nil {
		return fmt.Errorf("sending ip discovery: %w", err)
	}
	return nil
}

func (e *Endpoint) isIPDiscoveryResponse(data []byte) bool {
	if e.PublicIP() != "" || len(data) != ipDiscoverySize {
		return false
	}
	return binary.BigEndian.Uint16(data[0:2]) == 0x0002 &&
		binary.BigEndian.Uint16(data[2:4]) == 70 &&
		binary.BigEndian.Uint32(data[4:8]) == e.ssrc
}

func parseIPDiscoveryResponse(data []byte) (string, error) {
	body := data[8 : ipDiscoverySize-2]
	nul := bytes.IndexByte(body, 0)
	if nul < 0 {
		return "", fmt.Errorf("ip discovery response missing null terminator")
	}
	return string(body[:nul]), nil
}
