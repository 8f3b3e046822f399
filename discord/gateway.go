package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telebridge/telebridge/metrics"
)

const defaultGatewayEndpoint = "wss://gateway.discord.gg/"
const gatewayParams = "?v=10&encoding=json"

// DispatchFunc fans gateway events out to the application. Events fire
// in arrival order from the gateway read loop.
type DispatchFunc func(event string, args ...any)

var (
	errStopResume = errors.New("gateway stop, session resumable")
	errStopClean  = errors.New("gateway stop, fresh session required")
)

// Gateway is the guild control plane: IDENTIFY/RESUME, heartbeats,
// voice-state tracking and the reconnect loop.
type Gateway struct {
	token    string
	dispatch DispatchFunc

	mu         sync.Mutex
	conn       *gatewayConn
	endpoint   string
	userID     string
	sessionID  string
	lastSeq    int64
	hasSeq     bool
	attempts   int
	voiceState map[string]VoiceLocation

	log *slog.Logger
}

// VoiceLocation is where a user currently sits.
type VoiceLocation struct {
	GuildID   string
	ChannelID string
}

func NewGateway(token string, dispatch DispatchFunc, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		token:      token,
		dispatch:   dispatch,
		endpoint:   defaultGatewayEndpoint,
		voiceState: make(map[string]VoiceLocation),
		log:        logger.With("caller", "Gateway"),
	}
}

// UserID is the bot's own user ID, known after READY.
func (g *Gateway) UserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userID
}

// SessionID is the current gateway session, needed by the voice gateway.
func (g *Gateway) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

// VoiceState looks up the cached voice location of a user.
func (g *Gateway) VoiceState(userID string) (VoiceLocation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	loc, ok := g.voiceState[userID]
	return loc, ok && loc.ChannelID != ""
}

// Run drives the connect/reconnect loop until ctx is canceled or a fatal
// close code ends the session.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		err := g.connectOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case errors.Is(err, errStopResume):
			metrics.GatewayReconnects.WithLabelValues("guild").Inc()
			g.log.Info("reconnecting to gateway, resuming session")

		case errors.Is(err, errStopClean):
			metrics.GatewayReconnects.WithLabelValues("guild").Inc()
			g.clean()
			g.log.Info("reconnecting to gateway with a fresh session")

		default:
			var closeErr *closeError
			if errors.As(err, &closeErr) && !reconnectable(closeErr.code) {
				g.log.Error("gateway closed with fatal code", "code", closeErr.code, "reason", closeErr.reason)
				return fmt.Errorf("gateway session not recoverable: %w", err)
			}
			metrics.GatewayReconnects.WithLabelValues("guild").Inc()
			g.log.Warn("gateway connection lost, reconnecting", "error", err)
		}
	}
}

func (g *Gateway) connectOnce(ctx context.Context) error {
	g.mu.Lock()
	endpoint := g.endpoint
	g.mu.Unlock()

	conn, err := dialGateway(ctx, endpoint+gatewayParams, g.log)
	if err != nil {
		return err
	}
	defer conn.close()

	g.mu.Lock()
	g.conn = conn
	g.attempts++
	g.mu.Unlock()

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	heartbeatStarted := false

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-done:
		}
	}()

	for {
		p, err := conn.read()
		if err != nil {
			return err
		}
		if p.S != nil {
			g.mu.Lock()
			g.lastSeq = *p.S
			g.hasSeq = true
			g.mu.Unlock()
		}

		switch p.Op {
		case OpHello:
			var hello struct {
				HeartbeatInterval int64 `json:"heartbeat_interval"`
			}
			if err := p.unmarshalData(&hello); err == nil && hello.HeartbeatInterval > 0 {
				conn.setHeartbeatInterval(hello.HeartbeatInterval)
			}
			if !heartbeatStarted {
				heartbeatStarted = true
				go conn.heartbeatLoop(stopHeartbeat, g.genHeartbeat)
			}
			g.identifyOrResume(conn)

		case OpDispatch:
			g.handleDispatch(p)

		case OpHeartbeat:
			// The peer may demand an immediate beat.
			conn.send(g.genHeartbeat())

		case OpReconnect:
			return errStopResume

		case OpInvalidSession:
			var resumable bool
			_ = p.unmarshalData(&resumable)
			if resumable {
				return errStopResume
			}
			return errStopClean

		case OpHeartbeatACK:

		default:
			g.log.Warn("unsupported gateway op code", "op", p.Op)
		}
	}
}

func (g *Gateway) identifyOrResume(conn *gatewayConn) {
	g.mu.Lock()
	sessionID := g.sessionID
	lastSeq, hasSeq := g.lastSeq, g.hasSeq
	g.mu.Unlock()

	if sessionID != "" {
		var seq any
		if hasSeq {
			seq = lastSeq
		}
		p, err := newPayload(OpResume, map[string]any{
			"token":      g.token,
			"session_id": sessionID,
			"seq":        seq,
		})
		if err == nil {
			conn.send(p)
		}
		return
	}

	p, err := newPayload(OpIdentify, map[string]any{
		"token": g.token,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "telebridge",
			"device":  "telebridge",
		},
		"intents": GatewayIntents,
	})
	if err == nil {
		conn.send(p)
	}
}

func (g *Gateway) handleDispatch(p *payload) {
	switch p.T {
	case EventReady:
		var ready readyData
		if err := p.unmarshalData(&ready); err != nil {
			g.log.Error("malformed READY", "error", err)
			return
		}
		g.mu.Lock()
		g.userID = ready.User.ID
		g.sessionID = ready.SessionID
		if ready.ResumeGatewayURL != "" {
			g.endpoint = ready.ResumeGatewayURL
		}
		g.mu.Unlock()
		g.dispatch("ready")

	case EventResumed:
		g.mu.Lock()
		g.attempts = 0
		g.mu.Unlock()
		g.dispatch("resumed")

	case EventMessageCreate:
		var msg MessageCreate
		if err := p.unmarshalData(&msg); err != nil {
			g.log.Error("malformed MESSAGE_CREATE", "error", err)
			return
		}
		g.dispatch("message_create", msg)

	case EventGuildCreate:
		var guild guildCreateData
		if err := p.unmarshalData(&guild); err != nil {
			g.log.Error("malformed GUILD_CREATE", "error", err)
			return
		}
		g.dispatch("guild_create", guild.ID)

	case EventVoiceStateUpdate:
		var state voiceStateData
		if err := p.unmarshalData(&state); err != nil {
			g.log.Error("malformed VOICE_STATE_UPDATE", "error", err)
			return
		}
		channelID := ""
		if state.ChannelID != nil {
			channelID = *state.ChannelID
		}
		g.mu.Lock()
		g.voiceState[state.UserID] = VoiceLocation{GuildID: state.GuildID, ChannelID: channelID}
		if state.UserID == g.userID && state.SessionID != "" {
			// The voice gateway identifies with our freshest session ID.
			g.sessionID = state.SessionID
		}
		g.mu.Unlock()
		g.dispatch("voice_state_update", state.UserID, state.GuildID, channelID)

	case EventVoiceServerUpdate:
		var server voiceServerData
		if err := p.unmarshalData(&server); err != nil {
			g.log.Error("malformed VOICE_SERVER_UPDATE", "error", err)
			return
		}
		g.dispatch("voice_server_update", server.Token, "wss://"+server.Endpoint)

	default:
		// Unsubscribed event kinds arrive regardless; ignore.
	}
}

func (g *Gateway) genHeartbeat() *payload {
	g.mu.Lock()
	var seq any
	if g.hasSeq {
		seq = g.lastSeq
	}
	g.mu.Unlock()
	p, _ := newPayload(OpHeartbeat, seq)
	return p
}

// UpdateVoiceState joins (channelID set) or leaves (channelID empty) a
// voice channel.
func (g *Gateway) UpdateVoiceState(guildID, channelID string, selfMute, selfDeaf bool) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return
	}

	var channel any
	if channelID != "" {
		channel = channelID
	}
	p, err := newPayload(OpVoiceStateUpdate, map[string]any{
		"guild_id":   guildID,
		"channel_id": channel,
		"self_mute":  selfMute,
		"self_deaf":  selfDeaf,
	})
	if err == nil {
		conn.send(p)
	}
}

// clean drops session state so the next connect identifies from scratch.
func (g *Gateway) clean() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = ""
	g.hasSeq = false
	g.lastSeq = 0
	g.endpoint = defaultGatewayEndpoint
}
