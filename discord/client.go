package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Client ties the guild gateway, the per-call voice gateway and the REST
// wrapper together behind one event stream.
type Client struct {
	token    string
	gateway  *Gateway
	rest     *REST
	dispatch DispatchFunc

	mu          sync.Mutex
	voice       *VoiceGateway
	voiceCancel context.CancelFunc
	joinGuild   string
	joinChannel string

	log *slog.Logger
}

func NewClient(token string, dispatch DispatchFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		token:    token,
		rest:     NewREST(token),
		dispatch: dispatch,
		log:      logger.With("caller", "DiscordClient"),
	}
	c.gateway = NewGateway(token, c.onGatewayEvent, logger)
	return c
}

func (c *Client) Gateway() *Gateway {
	return c.gateway
}

// Run connects the guild gateway and blocks until it dies for good.
func (c *Client) Run(ctx context.Context) error {
	return c.gateway.Run(ctx)
}

// CreateMessage posts text to a channel through REST.
func (c *Client) CreateMessage(channelID, content string) error {
	return c.rest.CreateMessage(channelID, content)
}

// JoinVoice signals the gateway to join; the voice session itself starts
// once VOICE_SERVER_UPDATE delivers the endpoint and token.
func (c *Client) JoinVoice(guildID, channelID string) {
	c.mu.Lock()
	c.joinGuild = guildID
	c.joinChannel = channelID
	c.mu.Unlock()
	c.gateway.UpdateVoiceState(guildID, channelID, false, false)
}

// LeaveVoice tears the voice session down and tells the gateway.
func (c *Client) LeaveVoice() {
	c.mu.Lock()
	voice := c.voice
	cancel := c.voiceCancel
	guildID := c.joinGuild
	c.voice = nil
	c.voiceCancel = nil
	c.joinChannel = ""
	c.mu.Unlock()

	if voice != nil {
		if media := voice.Media(); media != nil {
			media.Stop()
		}
		voice.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if guildID != "" {
		c.gateway.UpdateVoiceState(guildID, "", false, false)
	}
}

// Voice returns the live voice gateway, nil outside a call.
func (c *Client) Voice() *VoiceGateway {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// InVoiceChannel reports whether the bot currently sits in a voice
// channel per the gateway's own voice-state cache.
func (c *Client) InVoiceChannel() bool {
	_, ok := c.gateway.VoiceState(c.gateway.UserID())
	return ok
}

// onGatewayEvent filters the raw gateway stream: voice bootstrap events
// are handled here, everything else is translated for the application.
func (c *Client) onGatewayEvent(event string, args ...any) {
	switch event {
	case "message_create":
		msg, ok := args[0].(MessageCreate)
		if !ok {
			return
		}
		userID := c.gateway.UserID()
		for _, mention := range msg.Mentions {
			if mention.ID == userID {
				c.dispatch("bot_mention", msg)
				return
			}
		}

	case "guild_create":
		c.dispatch("guild_join", args...)

	case "voice_server_update":
		token, _ := args[0].(string)
		endpoint, _ := args[1].(string)
		c.startVoice(token, endpoint)

	default:
		c.dispatch(event, args...)
	}
}

func (c *Client) startVoice(token, endpoint string) {
	c.mu.Lock()
	if c.voiceCancel != nil {
		c.voiceCancel()
	}
	guildID, channelID := c.joinGuild, c.joinChannel
	if channelID == "" {
		// Voice server moved while we are not joining anywhere.
		c.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	voice := NewVoiceGateway(c.gateway, guildID, channelID, token, endpoint, c.dispatch, c.log)
	c.voice = voice
	c.voiceCancel = cancel
	c.mu.Unlock()

	go func() {
		err := voice.Run(ctx)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
		case errors.Is(err, ErrVoiceDisconnected):
			c.log.Info("voice session ended by server")
			if media := voice.Media(); media != nil {
				media.Stop()
			}
			c.dispatch("voice_disconnected")
		case errors.Is(err, ErrVoiceRebootstrap):
			c.log.Info("voice session restarting with fresh bootstrap")
		default:
			c.log.Error("voice session failed", "error", err)
			c.dispatch("voice_disconnected")
		}
	}()
}
