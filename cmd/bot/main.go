package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/discord-sound-trigger/internal/bot"
	"github.com/discord-sound-trigger/internal/config"
	"github.com/discord-sound-trigger/internal/logging"
	"github.com/discord-sound-trigger/internal/mapping"
	"github.com/discord-sound-trigger/internal/metrics"
	"github.com/discord-sound-trigger/internal/player"
	"github.com/discord-sound-trigger/internal/recognize"
	"github.com/discord-sound-trigger/internal/trigger"
)

func main() {
	sugar := logging.Init()

	cfg, err := config.Load()
	if err != nil {
		sugar.Fatalf("config: %v", err)
	}

	m := metrics.New()

	// Load the mapping table; a missing or malformed file leaves an empty
	// table installed, so the bot starts but matches nothing until the file
	// is fixed and reloaded.
	store := mapping.NewStore()
	if err := store.LoadFile(cfg.MappingFile); err != nil {
		m.RecordReload(false)
		sugar.Warnw("mapping: initial load failed, starting with empty table", "path", cfg.MappingFile, "err", err)
	} else {
		m.RecordReload(true)
		t := store.Snapshot()
		sugar.Infow("mapping: table loaded", "path", cfg.MappingFile, "mappings", len(t.Mappings), "cooldown_ms", t.Cooldown.Milliseconds(), "lang", t.Lang)
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		sugar.Fatalf("discordgo.New: %v", err)
	}

	// Guilds + GuildVoiceStates are sufficient for voice join/leave tracking
	// and speaking updates.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	sugar.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		sugar.Fatalf("discord session open failed: %v", err)
	}
	sugar.Infow("discord session opened")

	library := player.NewLibrary(cfg.SoundsDir)
	sched := player.New(library, m)
	rec := recognize.New(cfg.SpeechAPIURL, cfg.SpeechAPIKey)
	disp := trigger.New(store, sched, m)
	mgr := bot.NewManager(dg, store, sched, rec, disp, cfg.SilenceTimeout, m)

	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		mgr.HandleVoiceState(s, vs)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := mapping.NewWatcher(store, cfg.MappingFile, cfg.ReloadDebounce, m)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			sugar.Warnw("mapping: watcher stopped", "err", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			sugar.Infow("metrics: listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				sugar.Warnw("metrics: server stopped", "err", err)
			}
		}()
	}

	// If configured, join a voice channel at startup. Otherwise an external
	// command layer drives Join/Leave through the manager.
	if cfg.GuildID != "" && cfg.VoiceChannelID != "" {
		if err := mgr.Join(cfg.GuildID, cfg.VoiceChannelID); err != nil {
			sugar.Warnw("voice join failed", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID, "err", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, closing resources")

	cancel()
	mgr.Leave()
	if err := dg.Close(); err != nil {
		sugar.Warnf("discord session close error: %v", err)
	}
	logging.Sync()
	sugar.Info("shutdown complete")
}
