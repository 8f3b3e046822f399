package discord

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	raw := []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`)
	p, err := parsePayload(raw)
	require.NoError(t, err)
	require.Equal(t, OpHello, p.Op)

	var hello struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	require.NoError(t, p.unmarshalData(&hello))
	require.Equal(t, int64(41250), hello.HeartbeatInterval)
}

func TestParsePayloadDispatch(t *testing.T) {
	raw := []byte(`{"op":0,"s":42,"t":"MESSAGE_CREATE","d":{"id":"1","channel_id":"2","content":"hi","author":{"id":"3"},"mentions":[{"id":"4"}]}}`)
	p, err := parsePayload(raw)
	require.NoError(t, err)
	require.Equal(t, OpDispatch, p.Op)
	require.NotNil(t, p.S)
	require.Equal(t, int64(42), *p.S)
	require.Equal(t, EventMessageCreate, p.T)

	var msg MessageCreate
	require.NoError(t, p.unmarshalData(&msg))
	require.Equal(t, "hi", msg.Content)
	require.Len(t, msg.Mentions, 1)
	require.Equal(t, "4", msg.Mentions[0].ID)
}

func TestParsePayloadMalformed(t *testing.T) {
	_, err := parsePayload([]byte(`{"op":`))
	require.Error(t, err)
}

func TestNewPayloadRoundTrip(t *testing.T) {
	p, err := newPayload(OpIdentify, map[string]any{"token": "x", "intents": GatewayIntents})
	require.NoError(t, err)

	data, err := json.Marshal(p)
	require.NoError(t, err)

	back, err := parsePayload(data)
	require.NoError(t, err)
	require.Equal(t, OpIdentify, back.Op)

	var d map[string]any
	require.NoError(t, back.unmarshalData(&d))
	require.Equal(t, "x", d["token"])
	require.Equal(t, float64(GatewayIntents), d["intents"])
}

func TestReconnectable(t *testing.T) {
	for _, code := range []int{CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired, CloseInvalidAPIVersion, CloseInvalidIntent, CloseDisallowedIntent} {
		require.False(t, reconnectable(code), "code %d", code)
	}
	// Everything else, including generic websocket codes, reconnects.
	for _, code := range []int{1000, 1001, 4000, 4007, 4009} {
		require.True(t, reconnectable(code), "code %d", code)
	}
}

func TestGatewayIntentsBitmask(t *testing.T) {
	require.Equal(t, 1|1<<7|1<<9, GatewayIntents)
}
