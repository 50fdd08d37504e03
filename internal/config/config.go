package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime configuration for the bot.
type Config struct {
	// Discord configuration
	DiscordToken   string
	GuildID        string
	VoiceChannelID string

	// Speech recognition backend
	SpeechAPIURL string
	SpeechAPIKey string

	// Sound mapping table and clip storage
	MappingFile string
	SoundsDir   string

	// Pipeline tunables
	SilenceTimeout time.Duration
	ReloadDebounce time.Duration

	// Observability
	MetricsAddr string
	LogLevel    string
}

// Load loads configuration from the environment, honoring an optional .env
// file in the working directory.
func Load() (*Config, error) {
	cfg := &Config{
		SpeechAPIURL:   "https://www.google.com/speech-api/v2/recognize",
		MappingFile:    "mappings.json",
		SoundsDir:      "sounds",
		SilenceTimeout: 300 * time.Millisecond,
		ReloadDebounce: 100 * time.Millisecond,
		LogLevel:       "info",
	}

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg.DiscordToken = getEnv("DISCORD_BOT_TOKEN", "")
	cfg.GuildID = getEnv("GUILD_ID", "")
	cfg.VoiceChannelID = getEnv("VOICE_CHANNEL_ID", "")
	cfg.SpeechAPIURL = getEnv("SPEECH_API_URL", cfg.SpeechAPIURL)
	cfg.SpeechAPIKey = getEnv("SPEECH_API_KEY", "")
	cfg.MappingFile = getEnv("MAPPING_FILE", cfg.MappingFile)
	cfg.SoundsDir = getEnv("SOUNDS_DIR", cfg.SoundsDir)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if v := getEnv("SILENCE_TIMEOUT_MS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SilenceTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := getEnv("RELOAD_DEBOUNCE_MS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ReloadDebounce = time.Duration(n) * time.Millisecond
		}
	}

	// Validate required fields
	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	if cfg.SpeechAPIKey == "" {
		return nil, fmt.Errorf("SPEECH_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
