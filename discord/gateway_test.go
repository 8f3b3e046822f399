package discord

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	name string
	args []any
}

func dispatchRecorder(events *[]recordedEvent) DispatchFunc {
	return func(event string, args ...any) {
		*events = append(*events, recordedEvent{name: event, args: args})
	}
}

func dispatchPayload(t *testing.T, g *Gateway, eventType string, data string) {
	t.Helper()
	g.handleDispatch(&payload{Op: OpDispatch, T: eventType, D: json.RawMessage(data)})
}

func TestGatewayReadyDispatch(t *testing.T) {
	var events []recordedEvent
	g := NewGateway("token", dispatchRecorder(&events), slog.Default())

	dispatchPayload(t, g, EventReady, `{"user":{"id":"42"},"session_id":"sess","resume_gateway_url":"wss://resume.example"}`)

	require.Equal(t, "42", g.UserID())
	require.Equal(t, "sess", g.SessionID())
	require.Equal(t, "wss://resume.example", g.endpoint)
	require.Len(t, events, 1)
	require.Equal(t, "ready", events[0].name)
}

func TestGatewayVoiceStateCache(t *testing.T) {
	var events []recordedEvent
	g := NewGateway("token", dispatchRecorder(&events), slog.Default())
	dispatchPayload(t, g, EventReady, `{"user":{"id":"bot"},"session_id":"s1"}`)

	dispatchPayload(t, g, EventVoiceStateUpdate, `{"guild_id":"g1","channel_id":"c1","user_id":"u1","session_id":"x"}`)
	loc, ok := g.VoiceState("u1")
	require.True(t, ok)
	require.Equal(t, VoiceLocation{GuildID: "g1", ChannelID: "c1"}, loc)

	// The bot's own updates keep the session ID fresh.
	dispatchPayload(t, g, EventVoiceStateUpdate, `{"guild_id":"g1","channel_id":"c1","user_id":"bot","session_id":"s2"}`)
	require.Equal(t, "s2", g.SessionID())

	// A null channel means the user left voice.
	dispatchPayload(t, g, EventVoiceStateUpdate, `{"guild_id":"g1","channel_id":null,"user_id":"u1","session_id":"x"}`)
	_, ok = g.VoiceState("u1")
	require.False(t, ok)
}

func TestGatewayVoiceServerUpdate(t *testing.T) {
	var events []recordedEvent
	g := NewGateway("token", dispatchRecorder(&events), slog.Default())

	dispatchPayload(t, g, EventVoiceServerUpdate, `{"token":"vt","guild_id":"g1","endpoint":"voice.example:443"}`)

	require.Len(t, events, 1)
	require.Equal(t, "voice_server_update", events[0].name)
	require.Equal(t, []any{"vt", "wss://voice.example:443"}, events[0].args)
}

func TestGatewayHeartbeatCarriesSequence(t *testing.T) {
	var events []recordedEvent
	g := NewGateway("token", dispatchRecorder(&events), slog.Default())

	p := g.genHeartbeat()
	require.Equal(t, OpHeartbeat, p.Op)
	require.Equal(t, "null", string(p.D))

	seq := int64(7)
	g.mu.Lock()
	g.lastSeq, g.hasSeq = seq, true
	g.mu.Unlock()

	p = g.genHeartbeat()
	require.Equal(t, "7", string(p.D))
}

func TestGatewayCleanResetsSession(t *testing.T) {
	var events []recordedEvent
	g := NewGateway("token", dispatchRecorder(&events), slog.Default())
	dispatchPayload(t, g, EventReady, `{"user":{"id":"42"},"session_id":"sess","resume_gateway_url":"wss://resume.example"}`)
	g.mu.Lock()
	g.lastSeq, g.hasSeq = 9, true
	g.mu.Unlock()

	g.clean()

	require.Equal(t, "", g.SessionID())
	require.Equal(t, defaultGatewayEndpoint, g.endpoint)
	g.mu.Lock()
	defer g.mu.Unlock()
	require.False(t, g.hasSeq)
}

func TestClientBotMentionFilter(t *testing.T) {
	var events []recordedEvent
	c := NewClient("token", dispatchRecorder(&events), slog.Default())
	c.gateway.mu.Lock()
	c.gateway.userID = "bot"
	c.gateway.mu.Unlock()

	c.onGatewayEvent("message_create", MessageCreate{Content: "hello", Mentions: []User{{ID: "someone"}}})
	require.Empty(t, events)

	c.onGatewayEvent("message_create", MessageCreate{Content: "@bot call", Mentions: []User{{ID: "bot"}}})
	require.Len(t, events, 1)
	require.Equal(t, "bot_mention", events[0].name)
}

func TestClientGuildJoinForwarding(t *testing.T) {
	var events []recordedEvent
	c := NewClient("token", dispatchRecorder(&events), slog.Default())

	c.onGatewayEvent("guild_create", "g1")
	require.Equal(t, []recordedEvent{{name: "guild_join", args: []any{"g1"}}}, events)
}
