package rtp

import (
	"encoding/binary"
	"testing"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func buildOpusPacket(t *testing.T, ssrc uint32, payload []byte) []byte {
	t.Helper()
	p := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    120,
			SequenceNumber: 7,
			Timestamp:      960,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func TestParsePacketRTP(t *testing.T) {
	data := buildOpusPacket(t, 0x11223344, []byte("opus-frame"))

	p, err := ParsePacket(data, false)
	require.NoError(t, err)
	require.Equal(t, KindRTP, p.Kind)
	require.Equal(t, byte(120), p.PayloadType)
	require.Len(t, p.Header, 12)
	require.Equal(t, []byte("opus-frame"), p.Payload)
	require.Nil(t, p.Nonce)

	require.Equal(t, data, p.Marshal())
}

func TestParsePacketRTCP(t *testing.T) {
	data := make([]byte, 16)
	data[0] = 0x80
	data[1] = 200 // sender report
	binary.BigEndian.PutUint32(data[4:8], 0xAABBCCDD)

	p, err := ParsePacket(data, false)
	require.NoError(t, err)
	require.Equal(t, KindRTCP, p.Kind)
	require.Len(t, p.Header, 8)
	require.Len(t, p.Payload, 8)
}

func TestParsePacketEncryptedTrailer(t *testing.T) {
	data := buildOpusPacket(t, 1, []byte("ciphertext"))
	data = append(data, 0x00, 0x00, 0x00, 0x2a)

	p, err := ParsePacket(data, true)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext"), p.Payload)
	require.Len(t, p.Nonce, NonceSize)
	require.Equal(t, uint32(42), binary.BigEndian.Uint32(p.Nonce[:4]))
	for _, b := range p.Nonce[4:] {
		require.Zero(t, b)
	}
}

func TestParsePacketTooShort(t *testing.T) {
	_, err := ParsePacket([]byte{0x80, 120, 0}, false)
	require.Error(t, err)
}

func TestSetSSRC(t *testing.T) {
	data := buildOpusPacket(t, 0x01020304, []byte("x"))
	p, err := ParsePacket(data, false)
	require.NoError(t, err)

	p.SetSSRC(0xCAFEBABE)
	require.Equal(t, uint32(0xCAFEBABE), binary.BigEndian.Uint32(p.Header[8:12]))

	var parsed pionrtp.Packet
	require.NoError(t, parsed.Unmarshal(p.Marshal()))
	require.Equal(t, uint32(0xCAFEBABE), parsed.SSRC)
}

func TestStripExtension(t *testing.T) {
	p := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:          2,
			PayloadType:      120,
			SequenceNumber:   8,
			Timestamp:        1920,
			SSRC:             5,
			Extension:        true,
			ExtensionProfile: 0xBEDE,
		},
		Payload: []byte("audio"),
	}
	require.NoError(t, p.Header.SetExtension(1, []byte{0xde, 0xad, 0xbe}))
	data, err := p.Marshal()
	require.NoError(t, err)

	parsed, err := ParsePacket(data, false)
	require.NoError(t, err)
	require.Len(t, parsed.Header, 16)

	parsed.StripExtension()
	require.Zero(t, parsed.VersionFlags&0x10)
	require.Len(t, parsed.Header, 12)
	require.Equal(t, []byte("audio"), parsed.Payload)

	// The stripped packet is plain RTP again.
	var plain pionrtp.Packet
	require.NoError(t, plain.Unmarshal(parsed.Marshal()))
	require.False(t, plain.Header.Extension)
	require.Equal(t, []byte("audio"), plain.Payload)
}

func TestStripExtensionNoopWithoutExtension(t *testing.T) {
	data := buildOpusPacket(t, 9, []byte("audio"))
	p, err := ParsePacket(data, false)
	require.NoError(t, err)

	p.StripExtension()
	require.Equal(t, data, p.Marshal())
}
