// Package config loads arena server configuration from environment
// variables (§6.3), failing fast on invalid values the way
// cmd/appserver/main.go in the teacher does for its database DSN.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved, validated runtime configuration.
type Config struct {
	ModelGatewayURL string
	ModelGatewayKey string

	RepositoryURL string
	RepositoryKey string

	AdminAPIKey string

	MaxLiveMatches    int
	StartsPerMinute   int
	MatchTimeout      time.Duration
	MinJudges         int
	MaxJudges         int

	TournamentCron string

	HTTPAddr string

	LogLevel  string
	LogFormat string
}

// Default values per spec §6.3.
const (
	DefaultMaxLiveMatches  = 2
	DefaultStartsPerMinute = 5
	DefaultMatchTimeout    = 600 * time.Second
	DefaultMinJudges       = 3
	DefaultMaxJudges       = 5
)

// Load reads environment variables and validates them. Unknown variables are
// ignored; invalid values return an error so the caller can log.Fatalf as the
// teacher's main.go does for connection failures.
func Load() (*Config, error) {
	cfg := &Config{
		ModelGatewayURL: strings.TrimSpace(os.Getenv("MODEL_GATEWAY_URL")),
		ModelGatewayKey: strings.TrimSpace(os.Getenv("MODEL_GATEWAY_KEY")),
		RepositoryURL:   strings.TrimSpace(os.Getenv("REPOSITORY_URL")),
		RepositoryKey:   strings.TrimSpace(os.Getenv("REPOSITORY_KEY")),
		AdminAPIKey:     strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		TournamentCron:  strings.TrimSpace(os.Getenv("TOURNAMENT_CRON")),
		HTTPAddr:        envOr("HTTP_ADDR", ":8080"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.MaxLiveMatches, err = envInt("MAX_LIVE_MATCHES", DefaultMaxLiveMatches); err != nil {
		return nil, err
	}
	if cfg.StartsPerMinute, err = envInt("STARTS_PER_MINUTE", DefaultStartsPerMinute); err != nil {
		return nil, err
	}
	timeoutSeconds, err := envInt("MATCH_TIMEOUT_SECONDS", int(DefaultMatchTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.MatchTimeout = time.Duration(timeoutSeconds) * time.Second
	if cfg.MinJudges, err = envInt("MIN_JUDGES", DefaultMinJudges); err != nil {
		return nil, err
	}
	if cfg.MaxJudges, err = envInt("MAX_JUDGES", DefaultMaxJudges); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxLiveMatches <= 0 {
		return fmt.Errorf("config: MAX_LIVE_MATCHES must be positive, got %d", c.MaxLiveMatches)
	}
	if c.StartsPerMinute <= 0 {
		return fmt.Errorf("config: STARTS_PER_MINUTE must be positive, got %d", c.StartsPerMinute)
	}
	if c.MatchTimeout <= 0 {
		return fmt.Errorf("config: MATCH_TIMEOUT_SECONDS must be positive, got %s", c.MatchTimeout)
	}
	if c.MinJudges <= 0 {
		return fmt.Errorf("config: MIN_JUDGES must be positive, got %d", c.MinJudges)
	}
	if c.MaxJudges < c.MinJudges {
		return fmt.Errorf("config: MAX_JUDGES (%d) must be >= MIN_JUDGES (%d)", c.MaxJudges, c.MinJudges)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q: %w", key, raw, err)
	}
	return v, nil
}
