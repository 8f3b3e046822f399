package telebridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/telebridge/telebridge/config"
	"github.com/telebridge/telebridge/discord"
	"github.com/telebridge/telebridge/metrics"
	"github.com/telebridge/telebridge/rtp"
	"github.com/telebridge/telebridge/sip"
)

const (
	// Local ports for the SIP leg of the relay. The Discord leg binds
	// discord.VoiceUDPPort.
	sipRTPPort  = 5004
	sipRTCPPort = 5005

	byeTimeout    = 10 * time.Second
	inviteTimeout = 64 * 500 * time.Millisecond
)

// Bridge wires the Discord client, the SIP user agent and the RTP relay
// into one service with single-call semantics.
type Bridge struct {
	cfg      *config.Config
	bus      *EventBus
	sessions *SessionManager
	filter   *AddressFilter
	dnd      *DoNotDisturb
	callLog  *CallLog

	discord   *discord.Client
	transport *sip.TransportUDP
	txl       *sip.TransactionLayer
	ua        *sip.UserAgent

	mu       sync.Mutex
	sipRTP   *rtp.Endpoint
	sipRTCP  *rtp.Endpoint
	wired    bool
	welcomed bool

	log *slog.Logger
}

func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		cfg:      cfg,
		bus:      NewEventBus(),
		sessions: NewSessionManager(),
		filter:   NewAddressFilter(cfg.VoIPAllowList, logger),
		callLog:  NewCallLog(cfg.HourlyCallLimit),
		log:      logger.With("caller", "Bridge"),
	}

	b.dnd = &DoNotDisturb{Location: cfg.Timezone()}
	for _, window := range cfg.DoNotDisturb {
		b.dnd.Windows = append(b.dnd.Windows, HourRange{StartHour: window[0], EndHour: window[1]})
	}

	b.transport = sip.NewTransportUDP(logger)
	b.txl = sip.NewTransactionLayer(b.transport, sip.WithTransactionLayerLogger(logger))
	b.transport.OnMessage(b.txl.HandleMessage)

	public := sip.Addr{Host: cfg.PublicIP, Port: sip.DefaultSIPPort}
	b.ua = sip.NewUserAgent(public, sipRTPPort, b.txl,
		sip.WithUserAgentLogger(logger),
		sip.WithAdmissionControl(b),
		sip.WithSessionEvents(b),
	)

	b.discord = discord.NewClient(cfg.DiscordBotToken, b.bus.Dispatch, logger)

	b.bus.On("ready", func(args ...any) { b.onReady() })
	b.bus.On("bot_mention", func(args ...any) {
		msg, ok := args[0].(discord.MessageCreate)
		if !ok {
			return
		}
		go b.handleMention(msg)
	})
	b.bus.On("session_description", func(args ...any) { b.tryWire() })
	b.bus.On("voice_disconnected", func(args ...any) { go b.endCall(true) })

	return b, nil
}

// Bus exposes the event stream for the application and tests.
func (b *Bridge) Bus() *EventBus {
	return b.bus
}

// Run starts the SIP transport, the allow-list resolver and the Discord
// client, blocking until one of them fails terminally.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() {
		errc <- b.transport.ListenAndServe(fmt.Sprintf(":%d", sip.DefaultSIPPort))
	}()
	go b.filter.Run(ctx)
	go func() {
		errc <- b.discord.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		b.Close()
		return ctx.Err()
	case err := <-errc:
		b.Close()
		return err
	}
}

// Close hangs up and releases the external handles.
func (b *Bridge) Close() {
	if d := b.sessions.Dialog(); d != nil {
		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		if err := b.ua.Bye(ctx, d); err != nil {
			b.log.Warn("BYE on shutdown failed", "error", err)
		}
		cancel()
	}
	b.sessions.Cleanup()
	b.txl.Close()
	b.transport.Close()
}

// Busy implements sip.AdmissionControl.
func (b *Bridge) Busy() bool {
	return b.sessions.Busy()
}

// AllowedPeer implements sip.AdmissionControl.
func (b *Bridge) AllowedPeer(host string) bool {
	return b.filter.Contains(host)
}

// InboundCall implements sip.SessionEvents: announce the call, join the
// home voice channel and accept.
func (b *Bridge) InboundCall(from sip.Uri) {
	b.log.Info("Inbound call ringing", "from", from.String())
	b.bus.Dispatch("inbound_call", from)

	if err := b.discord.CreateMessage(b.cfg.DiscordTextChannelID, b.cfg.IncomingCallMessage); err != nil {
		b.log.Warn("failed to announce inbound call", "error", err)
	}
	b.discord.JoinVoice(b.cfg.DiscordGuildID, b.cfg.DiscordVoiceChannelID)
	b.ua.Answer()
}

// InboundCallAccepted implements sip.SessionEvents: the dialog exists,
// bring up the SIP media leg and bridge when Discord is ready.
func (b *Bridge) InboundCallAccepted(d *sip.Dialog) {
	b.sessions.SetDialog(d)
	if err := b.openSIPEndpoints(d); err != nil {
		b.log.Error("failed to open SIP media endpoints", "error", err)
		go b.endCall(true)
		return
	}
	b.tryWire()
	b.bus.Dispatch("inbound_call_accepted", d)
}

// InboundCallEnded implements sip.SessionEvents: the peer hung up or
// canceled.
func (b *Bridge) InboundCallEnded() {
	b.bus.Dispatch("inbound_call_ended")
	go b.endCall(false)
}

// onReady posts the welcome message once per process lifetime.
func (b *Bridge) onReady() {
	b.mu.Lock()
	welcomed := b.welcomed
	b.welcomed = true
	b.mu.Unlock()
	if welcomed {
		return
	}
	if err := b.discord.CreateMessage(b.cfg.DiscordTextChannelID, b.cfg.WelcomeMessage); err != nil {
		b.log.Warn("failed to post welcome message", "error", err)
	}
}

// handleMention runs the outbound call flow: admission checks in order,
// then voice join and SIP INVITE concurrently.
func (b *Bridge) handleMention(msg discord.MessageCreate) {
	now := time.Now()

	location, inVoice := b.discord.Gateway().VoiceState(msg.Author.ID)
	if !inVoice {
		b.post("Join a voice channel first, then mention me to place the call.")
		return
	}

	if b.dnd.Violated(now) {
		metrics.CallsRefused.WithLabelValues("dnd").Inc()
		b.post("The phone does not ring during do-not-disturb hours.")
		return
	}

	if next, exceeded := b.callLog.NextAllowedTime(now); exceeded {
		metrics.CallsRefused.WithLabelValues("rate").Inc()
		b.post(fmt.Sprintf("Hourly call limit reached. Next call available at %s.",
			next.In(b.cfg.Timezone()).Format("03:04:05 PM")))
		return
	}

	if b.discord.InVoiceChannel() {
		metrics.CallsRefused.WithLabelValues("in_voice").Inc()
		b.post("I'm already on a call.")
		return
	}

	if !b.sessions.BeginInvite() {
		metrics.CallsRefused.WithLabelValues("busy").Inc()
		b.post("The line is busy.")
		return
	}

	b.callLog.Record(now)
	b.discord.JoinVoice(location.GuildID, location.ChannelID)

	remote, err := sip.ParseAddr(b.cfg.VoIPAddress)
	if err != nil {
		b.log.Error("bad VoIP address in config", "error", err)
		b.sessions.EndInvite()
		b.discord.LeaveVoice()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()
	dialog, err := b.ua.Invite(ctx, remote)
	if err != nil {
		b.log.Warn("outbound call failed", "error", err)
		b.post("Nobody picked up the phone.")
		b.sessions.EndInvite()
		b.discord.LeaveVoice()
		return
	}

	b.sessions.SetDialog(dialog)
	if err := b.openSIPEndpoints(dialog); err != nil {
		b.log.Error("failed to open SIP media endpoints", "error", err)
		b.endCall(true)
		return
	}
	b.tryWire()
}

// openSIPEndpoints binds the cleartext RTP and RTCP legs towards the
// phone adapter.
func (b *Bridge) openSIPEndpoints(d *sip.Dialog) error {
	remoteIP := d.RemoteIP()
	if d.RemoteRTPPort == 0 {
		return fmt.Errorf("dialog carries no remote RTP port")
	}

	ssrc := rand.Uint32()
	rtpEndpoint, err := rtp.NewEndpoint(
		fmt.Sprintf(":%d", sipRTPPort),
		fmt.Sprintf("%s:%d", remoteIP, d.RemoteRTPPort),
		rtp.WithSSRC(ssrc),
		rtp.WithEndpointLogger(b.log),
	)
	if err != nil {
		return err
	}
	rtcpEndpoint, err := rtp.NewEndpoint(
		fmt.Sprintf(":%d", sipRTCPPort),
		fmt.Sprintf("%s:%d", remoteIP, d.RemoteRTCPPort),
		rtp.WithSSRC(ssrc),
		rtp.WithEndpointLogger(b.log),
	)
	if err != nil {
		rtpEndpoint.Stop()
		return err
	}

	b.mu.Lock()
	b.sipRTP = rtpEndpoint
	b.sipRTCP = rtcpEndpoint
	b.mu.Unlock()
	b.sessions.AttachEndpoints(rtpEndpoint, rtcpEndpoint)
	return nil
}

// tryWire cross-links the SIP and Discord media endpoints once both
// exist. The Discord leg may still be waiting for its secret key; it
// drops packets until armed.
func (b *Bridge) tryWire() {
	voice := b.discord.Voice()
	if voice == nil {
		return
	}
	media := voice.Media()
	if media == nil {
		return
	}

	b.mu.Lock()
	if b.wired || b.sipRTP == nil {
		b.mu.Unlock()
		return
	}
	b.wired = true
	sipRTP, sipRTCP := b.sipRTP, b.sipRTCP
	b.mu.Unlock()

	rtp.Proxy(media, sipRTP, media, sipRTCP)
	b.sessions.SignalSessionStart()
	b.log.Info("media bridged")
	b.bus.Dispatch("voice_connection_finalized")
}

// endCall tears down both legs. sendBye ends the SIP dialog explicitly;
// inbound BYE handling skips it.
func (b *Bridge) endCall(sendBye bool) {
	if d := b.sessions.Dialog(); sendBye && d != nil {
		ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
		if err := b.ua.Bye(ctx, d); err != nil {
			b.log.Warn("BYE failed", "error", err)
		}
		cancel()
	}

	b.sessions.Cleanup()

	b.mu.Lock()
	b.sipRTP = nil
	b.sipRTCP = nil
	b.wired = false
	b.mu.Unlock()

	b.discord.LeaveVoice()
}

func (b *Bridge) post(text string) {
	if err := b.discord.CreateMessage(b.cfg.DiscordTextChannelID, text); err != nil {
		b.log.Warn("failed to post chat message", "error", err)
	}
}
