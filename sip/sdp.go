package sip

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// OpusPayloadType is the dynamic RTP payload type both legs use for audio.
const OpusPayloadType = 120

// BuildSDP emits the minimal RFC 4566 offer/answer both directions use: a
// single opus audio stream. Session id and version are the current Unix
// timestamp.
func BuildSDP(host string, rtpPort int) ([]byte, error) {
	now := uint64(time.Now().Unix())
	pt := strconv.Itoa(OpusPayloadType)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "Hotline",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "SIP Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{pt},
				},
				Attributes: []sdp.Attribute{
					{Key: "sendrecv"},
					{Key: "rtpmap", Value: pt + " opus/48000/2"},
					{Key: "ptime", Value: "20"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return body, nil
}

// ParseSDP extracts the audio RTP port and the RTCP port from an offer or
// answer. Without an a=rtcp attribute the RTCP port defaults to RTP+1.
func ParseSDP(body []byte) (rtpPort, rtcpPort int, err error) {
	desc := sdp.SessionDescription{}
	if err = desc.Unmarshal(body); err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrParse, err)
	}

	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "audio" {
			continue
		}
		rtpPort = media.MediaName.Port.Value
		rtcpPort = rtpPort + 1
		// a=rtcp:<port> [nettype addrtype addr]
		if attr, ok := media.Attribute("rtcp"); ok {
			if port, perr := strconv.Atoi(firstField(attr)); perr == nil {
				rtcpPort = port
			}
		}
		return rtpPort, rtcpPort, nil
	}
	return 0, 0, fmt.Errorf("%w: no audio media line", ErrParse)
}

func firstField(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i]
		}
	}
	return s
}
