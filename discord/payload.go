// Package discord implements the two Discord control planes the bridge
// needs - the guild gateway and the voice gateway - plus the small REST
// surface for posting chat messages.
package discord

import (
	"encoding/json"
	"fmt"
)

// Gateway OpCodes - guild gateway, API v10.
const (
	OpDispatch         = 0
	OpHeartbeat        = 1
	OpIdentify         = 2
	OpVoiceStateUpdate = 4
	OpResume           = 6
	OpReconnect        = 7
	OpInvalidSession   = 9
	OpHello            = 10
	OpHeartbeatACK     = 11
)

// Voice gateway OpCodes.
const (
	OpVoiceIdentify           = 0
	OpVoiceSelectProtocol     = 1
	OpVoiceReady              = 2
	OpVoiceHeartbeat          = 3
	OpVoiceSessionDescription = 4
	OpVoiceSpeaking           = 5
	OpVoiceHeartbeatACK       = 6
	OpVoiceResume             = 7
	OpVoiceHello              = 8
	OpVoiceResumed            = 9
)

// Guild gateway close codes that end the session for good.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntent        = 4013
	CloseDisallowedIntent     = 4014
)

// Voice gateway close codes. Only CloseVoiceDisconnected ends the voice
// session without a resume; the others go through the normal resume policy.
const (
	CloseVoiceSessionInvalid = 4006
	CloseVoiceDisconnected   = 4014
	CloseVoiceServerCrashed  = 4015
)

// GatewayIntents the bridge identifies with: guilds, guild voice states
// and guild messages.
const GatewayIntents = (1 << 0) | (1 << 7) | (1 << 9)

// reconnectable reports whether a guild gateway close code permits a new
// session. The fatal set means the credentials or intents are wrong and
// retrying cannot help.
func reconnectable(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntent, CloseDisallowedIntent:
		return false
	}
	return true
}

// payload is the {op, d, s, t} frame shared by both gateways.
type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

func newPayload(op int, d any) (*payload, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway payload op=%d: %w", op, err)
	}
	return &payload{Op: op, D: raw}, nil
}

func parsePayload(data []byte) (*payload, error) {
	p := &payload{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("malformed gateway frame: %w", err)
	}
	return p, nil
}

func (p *payload) unmarshalData(v any) error {
	if p.D == nil {
		return fmt.Errorf("gateway payload op=%d carries no data", p.Op)
	}
	if err := json.Unmarshal(p.D, v); err != nil {
		return fmt.Errorf("malformed gateway payload op=%d: %w", p.Op, err)
	}
	return nil
}

// Dispatch event names the bridge consumes.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventGuildCreate       = "GUILD_CREATE"
	EventVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate = "VOICE_SERVER_UPDATE"
)

// User is the subset of a Discord user object the bridge reads.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MessageCreate is the subset of a MESSAGE_CREATE event the bridge reads.
type MessageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    User   `json:"author"`
	Mentions  []User `json:"mentions"`
}

type readyData struct {
	User             User   `json:"user"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type voiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
}

type voiceServerData struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

type guildCreateData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
