package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequestRoundTrip(t *testing.T) {
	raw := strings.Join([]string{
		"INVITE sip:10.0.0.6:5060 SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKdeadbeef",
		"From: <sip:IPCall@10.0.0.2:5060>;tag=3e335249",
		"To: <sip:10.0.0.6:5060>",
		"Call-ID: 17f63c5296ab8f2dc9b2a1f3",
		"CSeq: 1 INVITE",
		"Contact: <sip:IPCall@10.0.0.2:5060>",
		"Max-Forwards: 70",
		"Content-Type: application/sdp",
		"Content-Length: 5",
		"",
		"v=0\r\n",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	req, ok := msg.(*Request)
	require.True(t, ok)
	require.Equal(t, INVITE, req.Method)
	require.Equal(t, "10.0.0.6", req.Recipient.Host)
	require.Equal(t, 5060, req.Recipient.Port)

	via := req.Via()
	require.NotNil(t, via)
	require.Equal(t, "z9hG4bKdeadbeef", via.Branch())
	require.Equal(t, "10.0.0.2", via.Host)
	require.Equal(t, 5060, via.Port)

	require.Equal(t, "3e335249", req.From().Tag())
	require.Equal(t, "", req.To().Tag())
	require.Equal(t, "17f63c5296ab8f2dc9b2a1f3", string(*req.CallID()))
	require.Equal(t, uint32(1), req.CSeq().SeqNo)
	require.Equal(t, INVITE, req.CSeq().MethodName)
	require.Equal(t, "IPCall", req.Contact().Address.User)
	require.Equal(t, []byte("v=0\r\n"), req.Body())

	// Serialization is byte-stable for well-formed input.
	require.Equal(t, raw, req.String())
}

func TestParseResponseRoundTrip(t *testing.T) {
	raw := strings.Join([]string{
		"SIP/2.0 200 OK",
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKdeadbeef",
		"From: <sip:IPCall@10.0.0.2:5060>;tag=3e335249",
		"To: <sip:10.0.0.6:5060>;tag=as58f4201b",
		"Call-ID: 17f63c5296ab8f2dc9b2a1f3",
		"CSeq: 1 INVITE",
		"Contact: <sip:10.0.0.6:5060>",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	res, ok := msg.(*Response)
	require.True(t, ok)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "OK", res.Reason)
	require.Equal(t, INVITE, res.Method())
	require.True(t, res.IsSuccess())
	require.False(t, res.IsProvisional())
	require.Equal(t, "as58f4201b", res.To().Tag())

	require.Equal(t, raw, res.String())
}

func TestParseRetainsUnknownHeaders(t *testing.T) {
	raw := strings.Join([]string{
		"BYE sip:10.0.0.6 SIP/2.0",
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bKffff",
		"From: <sip:IPCall@10.0.0.2:5060>;tag=aa",
		"To: <sip:10.0.0.6:5060>;tag=bb",
		"Call-ID: xyz",
		"CSeq: 2 BYE",
		"User-Agent: Grandstream HT801",
		"X-Custom: one",
		"Content-Length: 0",
		"",
		"",
	}, "\r\n")

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)

	require.Equal(t, "Grandstream HT801", msg.GetHeader("User-Agent").Value())
	require.Equal(t, "one", msg.GetHeader("X-Custom").Value())
	// Insertion order is preserved on re-emission.
	require.Equal(t, raw, msg.String())
}

func TestParseRequestWithoutPortDefaults(t *testing.T) {
	raw := "OPTIONS sip:10.0.0.6 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.2;branch=z9hG4bK1\r\n" +
		"From: <sip:a@10.0.0.2>;tag=x\r\n" +
		"To: <sip:10.0.0.6>\r\n" +
		"Call-ID: 1\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"\r\n"

	msg, err := ParseMessage([]byte(raw))
	require.NoError(t, err)
	req := msg.(*Request)
	require.Equal(t, 0, req.Recipient.Port)
	require.Equal(t, "10.0.0.6:5060", req.Destination())
	require.Equal(t, Addr{Host: "10.0.0.2", Port: 5060}, req.Via().SendAddr())
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"INVITE sip:host",
		"INVITE sip:host SIP/2.0\r\nVia broken\r\n\r\n",
		"FOO sip:host SIP/2.0\r\n\r\n",
		"SIP/2.0 999999 Weird\r\n\r\n",
		"random garbage",
	}
	for _, tc := range cases {
		_, err := ParseMessage([]byte(tc))
		require.Error(t, err, "input %q", tc)
	}
}

func TestGenerateBranchDeterministic(t *testing.T) {
	via := Addr{Host: "10.0.0.2", Port: 5060}
	b1 := GenerateBranch("", "tag1", "call1", via, 1)
	b2 := GenerateBranch("", "tag1", "call1", via, 1)
	require.Equal(t, b1, b2)
	require.True(t, strings.HasPrefix(b1, RFC3261BranchMagicCookie))
	require.NotEqual(t, b1, GenerateBranch("", "tag2", "call1", via, 1))
}

func TestGenerateTagAndCallID(t *testing.T) {
	tag := GenerateTag()
	require.NotEmpty(t, tag)
	require.Equal(t, strings.ToLower(tag), tag)

	require.NotEqual(t, GenerateCallID(), GenerateCallID())
}
