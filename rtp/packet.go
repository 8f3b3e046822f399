// Package rtp relays RTP and RTCP datagrams between a cleartext SIP peer
// and a Discord voice endpoint, handling the AEAD framing of Discord's
// aead_xchacha20_poly1305_rtpsize mode.
package rtp

import (
	"encoding/binary"
	"fmt"

	pionrtp "github.com/pion/rtp"
)

const (
	fixedHeaderSize = 12
	csrcSize        = 4
	extensionSize   = 4
	rtcpHeaderSize  = 8

	// NonceSize is the XChaCha20-Poly1305 nonce length; the wire carries
	// only the leading counter, zero-padded to this size.
	NonceSize = 24
	// NonceCounterSize is the trailing counter suffix on encrypted packets.
	NonceCounterSize = 4

	versionFlagExtension = 0x10
	csrcCountMask        = 0x0f
)

// Kind separates media from control packets.
type Kind int

const (
	KindRTP Kind = iota
	KindRTCP
)

// Packet is one parsed datagram. Header and Payload alias the input
// buffer; SetSSRC mutates the header in place.
type Packet struct {
	Kind         Kind
	VersionFlags byte
	PayloadType  byte

	Header  []byte
	Payload []byte

	// Nonce is set on encrypted packets: 4 counter bytes zero-padded.
	Nonce []byte
}

// ParsePacket splits a datagram into header and payload. Payload types
// 200-204 are RTCP with a fixed 8 byte header; anything else is RTP.
//
// Cleartext RTP is validated through pion's parser. Encrypted packets
// carry Discord's rtpsize framing: the boundary sits right after the
// 4-byte extension header, the extension payload words live inside the
// ciphertext, and the last four bytes are the sender's nonce counter -
// that split is derived from the flag byte alone, since pion's RFC 3550
// offsets would reach into the ciphertext.
func ParsePacket(data []byte, encrypted bool) (*Packet, error) {
	if len(data) < rtcpHeaderSize {
		return nil, fmt.Errorf("short packet: %d bytes", len(data))
	}

	p := &Packet{
		VersionFlags: data[0],
		PayloadType:  data[1],
	}

	trailer := 0
	if encrypted {
		trailer = NonceCounterSize
	}

	var headerLen int
	if p.PayloadType >= 200 && p.PayloadType <= 204 {
		p.Kind = KindRTCP
		headerLen = rtcpHeaderSize
	} else {
		p.Kind = KindRTP
		if encrypted {
			csrcCount := int(p.VersionFlags & csrcCountMask)
			headerLen = fixedHeaderSize + csrcCount*csrcSize
			if p.VersionFlags&versionFlagExtension != 0 {
				headerLen += extensionSize
			}
		} else {
			var pkt pionrtp.Packet
			if err := pkt.Unmarshal(data); err != nil {
				return nil, fmt.Errorf("invalid rtp packet: %w", err)
			}
			headerLen = fixedHeaderSize + len(pkt.Header.CSRC)*csrcSize
			if pkt.Header.Extension {
				headerLen += extensionSize
			}
		}
	}

	if len(data) < headerLen+trailer {
		return nil, fmt.Errorf("packet shorter than its header: %d < %d", len(data), headerLen+trailer)
	}

	p.Header = data[:headerLen]
	p.Payload = data[headerLen : len(data)-trailer]
	if encrypted {
		nonce := make([]byte, NonceSize)
		copy(nonce, data[len(data)-NonceCounterSize:])
		p.Nonce = nonce
	}
	return p, nil
}

// Marshal re-assembles the wire form: header, payload and, on encrypted
// packets, the four counter bytes.
func (p *Packet) Marshal() []byte {
	size := len(p.Header) + len(p.Payload)
	if p.Nonce != nil {
		size += NonceCounterSize
	}
	out := make([]byte, 0, size)
	out = append(out, p.Header...)
	out = append(out, p.Payload...)
	if p.Nonce != nil {
		out = append(out, p.Nonce[:NonceCounterSize]...)
	}
	return out
}

// SetSSRC rewrites the synchronization source: bytes 8-11 on RTP, 4-7 on
// RTCP.
func (p *Packet) SetSSRC(ssrc uint32) {
	switch p.Kind {
	case KindRTP:
		if len(p.Header) >= fixedHeaderSize {
			binary.BigEndian.PutUint32(p.Header[8:12], ssrc)
		}
	case KindRTCP:
		if len(p.Header) >= rtcpHeaderSize {
			binary.BigEndian.PutUint32(p.Header[4:8], ssrc)
		}
	}
}

// StripExtension rebuilds the packet without its RTP extension; some
// analog adapters reject packets carrying one. RTCP and extension-free
// packets pass through untouched.
func (p *Packet) StripExtension() {
	if p.Kind != KindRTP || p.VersionFlags&versionFlagExtension == 0 {
		return
	}

	full := make([]byte, 0, len(p.Header)+len(p.Payload))
	full = append(full, p.Header...)
	full = append(full, p.Payload...)

	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(full); err != nil {
		// Not valid RTP after all; forward untouched.
		return
	}
	pkt.Header.Extension = false
	pkt.Header.ExtensionProfile = 0
	pkt.Header.Extensions = nil

	out, err := pkt.Marshal()
	if err != nil {
		return
	}

	p.VersionFlags = out[0]
	headerLen := fixedHeaderSize + len(pkt.Header.CSRC)*csrcSize
	p.Header = out[:headerLen]
	p.Payload = out[headerLen:]
}
