package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type AppConfig struct {
	DiscordToken      string
	DiscordGatewayURL string
	ResultsChannelID  string

	OsuClientID     string
	OsuClientSecret string
	OsuAPIURL       string

	RedisURL    string
	DatabaseURL string

	// StoreBackend selects where challenges live: "postgres" or "redis".
	StoreBackend string

	MonitorIntervalSec int
	// ChallengeTimeoutSec bounds how long a prompt stays answerable.
	// Zero disables expiry.
	ChallengeTimeoutSec int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DiscordGatewayURL:   "wss://gateway.discord.gg/?v=10&encoding=json",
		StoreBackend:        "postgres",
		MonitorIntervalSec:  10,
		ChallengeTimeoutSec: 600,
	}

	cfg.DiscordToken = strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
	if v := strings.TrimSpace(os.Getenv("DISCORD_GATEWAY_URL")); v != "" {
		cfg.DiscordGatewayURL = v
	}
	cfg.ResultsChannelID = strings.TrimSpace(os.Getenv("RESULTS_CHANNEL_ID"))

	cfg.OsuClientID = strings.TrimSpace(os.Getenv("OSU_CLIENT_ID"))
	cfg.OsuClientSecret = strings.TrimSpace(os.Getenv("OSU_CLIENT_SECRET"))
	cfg.OsuAPIURL = strings.TrimSpace(os.Getenv("OSU_API_URL"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND"))); v != "" {
		if v != "postgres" && v != "redis" {
			return nil, errors.New("STORE_BACKEND must be postgres or redis")
		}
		cfg.StoreBackend = v
	}

	if v := strings.TrimSpace(os.Getenv("MONITOR_INTERVAL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MonitorIntervalSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHALLENGE_TIMEOUT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ChallengeTimeoutSec = n
		}
	}

	if cfg.DiscordToken == "" {
		return nil, errors.New("DISCORD_TOKEN is required")
	}
	if cfg.ResultsChannelID == "" {
		return nil, errors.New("RESULTS_CHANNEL_ID is required")
	}
	if cfg.OsuClientID == "" || cfg.OsuClientSecret == "" {
		return nil, errors.New("OSU_CLIENT_ID and OSU_CLIENT_SECRET are required")
	}
	// The points ledger always lives in Postgres.
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.StoreBackend == "redis" && cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required for the redis backend")
	}

	return cfg, nil
}
