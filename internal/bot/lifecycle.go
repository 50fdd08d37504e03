package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-sound-trigger/internal/logging"
	"github.com/discord-sound-trigger/internal/mapping"
	"github.com/discord-sound-trigger/internal/metrics"
	"github.com/discord-sound-trigger/internal/player"
	"github.com/discord-sound-trigger/internal/voice"
)

// Manager owns the process's single active voice connection. Joining a new
// channel tears down any existing connection, attaches the playback
// scheduler's Opus output, and wires the speaking listener that spawns
// capture sessions. The manager auto-leaves a channel once the bot is the
// sole remaining member.
type Manager struct {
	session  *discordgo.Session
	store    *mapping.Store
	sched    *player.Scheduler
	rec      voice.Recognizer
	dispatch voice.Dispatcher
	silence  time.Duration
	metrics  *metrics.Metrics
	resolver *Resolver

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	pipeline  *voice.Pipeline
	cancel    context.CancelFunc
	schedDone chan struct{}
}

// NewManager wires the lifecycle manager's collaborators together.
func NewManager(s *discordgo.Session, store *mapping.Store, sched *player.Scheduler, rec voice.Recognizer, dispatch voice.Dispatcher, silence time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		session:  s,
		store:    store,
		sched:    sched,
		rec:      rec,
		dispatch: dispatch,
		silence:  silence,
		metrics:  m,
		resolver: NewResolver(s),
	}
}

// Join connects to the given voice channel. Re-joining the channel the bot is
// already connected to is a no-op; any other existing connection is torn down
// first.
func (m *Manager) Join(guildID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vc != nil && m.vc.GuildID == guildID && m.vc.ChannelID == channelID {
		logging.Debugw("voice: already connected, join is a no-op", "guild", guildID, "channel", channelID)
		return nil
	}
	m.teardownLocked()

	vc, err := m.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pl := voice.NewPipeline(ctx, m.rec, m.dispatch, m.store, m.silence, m.metrics)

	// Speaking updates are delivered on the voice connection's websocket, so
	// the handler is registered after joining.
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		logging.Infow("voice: speaking update", "user_id", su.UserID, "user", m.resolver.UserName(su.UserID), "ssrc", su.SSRC, "speaking", su.Speaking)
		pl.HandleSpeakingUpdate(uint32(su.SSRC), su.UserID, su.Speaking)
	})

	go m.receive(ctx, vc, pl)
	schedDone := make(chan struct{})
	go func() {
		m.sched.Run(ctx, &voiceOutput{vc: vc})
		close(schedDone)
	}()

	m.vc = vc
	m.pipeline = pl
	m.cancel = cancel
	m.schedDone = schedDone
	logging.Infow("voice: joined channel", "guild", guildID, "channel", channelID, "channel_name", m.resolver.ChannelName(channelID))
	return nil
}

// Leave destroys the active connection unconditionally. Leaving while not
// connected is a no-op.
func (m *Manager) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

// Connected reports whether a voice connection is active.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vc != nil
}

// teardownLocked cancels the connection's pipelines, waits for capture
// sessions to end, and disconnects. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	if m.vc == nil {
		return
	}
	guildID, channelID := m.vc.GuildID, m.vc.ChannelID
	m.cancel()
	m.pipeline.Close()
	// Wait for the drain loop so it can never race a successor over the
	// shared playback queue.
	if m.schedDone != nil {
		<-m.schedDone
	}
	if err := m.vc.Disconnect(); err != nil {
		logging.Warnw("voice: disconnect error", "err", err)
	}
	m.vc = nil
	m.pipeline = nil
	m.cancel = nil
	m.schedDone = nil
	logging.Infow("voice: left channel", "guild", guildID, "channel", channelID)
}

// receive routes incoming Opus packets to the capture pipeline until the
// connection is torn down.
func (m *Manager) receive(ctx context.Context, vc *discordgo.VoiceConnection, pl *voice.Pipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			pl.HandlePacket(pkt.SSRC, pkt.Opus)
		}
	}
}

// HandleVoiceState watches membership changes in the bot's current channel
// and leaves once the bot is the only member left.
func (m *Manager) HandleVoiceState(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	m.mu.Lock()
	vc := m.vc
	m.mu.Unlock()
	if vc == nil || vs.GuildID != vc.GuildID {
		return
	}

	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if listenerCount(s, vc.GuildID, vc.ChannelID, botID) == 0 {
		logging.Infow("voice: channel empty, leaving", "guild", vc.GuildID, "channel", vc.ChannelID)
		m.Leave()
	}
}

// listenerCount counts human members connected to the channel. The bot itself
// and other bot accounts don't keep the connection alive.
func listenerCount(s *discordgo.Session, guildID, channelID, selfID string) int {
	if s.State == nil {
		return 0
	}
	g, err := s.State.Guild(guildID)
	if err != nil || g == nil {
		return 0
	}
	n := 0
	for _, st := range g.VoiceStates {
		if st.ChannelID != channelID || st.UserID == selfID {
			continue
		}
		if isBot(s, guildID, st) {
			continue
		}
		n++
	}
	return n
}

func isBot(s *discordgo.Session, guildID string, st *discordgo.VoiceState) bool {
	if st.Member != nil && st.Member.User != nil {
		return st.Member.User.Bot
	}
	if mem, err := s.State.Member(guildID, st.UserID); err == nil && mem != nil && mem.User != nil {
		return mem.User.Bot
	}
	return false
}

// voiceOutput adapts a discordgo voice connection to the scheduler's Output.
type voiceOutput struct {
	vc *discordgo.VoiceConnection
}

func (o *voiceOutput) Speaking(b bool) error {
	return o.vc.Speaking(b)
}

func (o *voiceOutput) SendFrame(ctx context.Context, frame []byte) bool {
	select {
	case o.vc.OpusSend <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
