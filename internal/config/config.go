package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	SocketPath string
	DBPath     string

	MessagingBaseURL string
	MessagingToken   string
	BridgeBaseURL    string
	BridgeToken      string
	PushURL          string

	ProviderTimeout   time.Duration
	ProviderRateLimit float64
	ProviderBurst     int

	PollInterval    time.Duration
	PollMaxDuration time.Duration

	SuggestionLimit     int
	SuggestionThreshold float64

	SubscriptionBuffer int

	PushMinBackoff time.Duration
	PushMaxBackoff time.Duration

	PollDegradedFailures int
	TransitionTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		ProviderTimeout:      15 * time.Second,
		ProviderRateLimit:    5,
		ProviderBurst:        10,
		PollInterval:         5 * time.Second,
		PollMaxDuration:      2 * time.Minute,
		SuggestionLimit:      3,
		SuggestionThreshold:  0.6,
		SubscriptionBuffer:   32,
		PushMinBackoff:       500 * time.Millisecond,
		PushMaxBackoff:       30 * time.Second,
		PollDegradedFailures: 3,
		TransitionTTL:        30 * 24 * time.Hour,
	}
}

// fileConfig is the sigbridged.toml key mapping.
type fileConfig struct {
	SocketPath           string  `toml:"socket_path"`
	DBPath               string  `toml:"db_path"`
	MessagingBaseURL     string  `toml:"messaging_base_url"`
	MessagingToken       string  `toml:"messaging_token"`
	BridgeBaseURL        string  `toml:"bridge_base_url"`
	BridgeToken          string  `toml:"bridge_token"`
	PushURL              string  `toml:"push_url"`
	ProviderTimeout      string  `toml:"provider_timeout"`
	ProviderRateLimit    float64 `toml:"provider_rate_limit"`
	ProviderBurst        int     `toml:"provider_burst"`
	PollInterval         string  `toml:"poll_interval"`
	PollMaxDuration      string  `toml:"poll_max_duration"`
	SuggestionLimit      int     `toml:"suggestion_limit"`
	SuggestionThreshold  float64 `toml:"suggestion_threshold"`
	SubscriptionBuffer   int     `toml:"subscription_buffer"`
	PushMinBackoff       string  `toml:"push_min_backoff"`
	PushMaxBackoff       string  `toml:"push_max_backoff"`
	PollDegradedFailures int     `toml:"poll_degraded_failures"`
	TransitionTTL        string  `toml:"transition_ttl"`
}

// Load overlays the TOML file at path on top of DefaultConfig. Keys absent from
// the file keep their defaults. Tokens may be given as ${ENV} references.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = os.ExpandEnv(strings.TrimSpace(v))
		}
	}
	setString("socket_path", &cfg.SocketPath, raw.SocketPath)
	setString("db_path", &cfg.DBPath, raw.DBPath)
	setString("messaging_base_url", &cfg.MessagingBaseURL, raw.MessagingBaseURL)
	setString("messaging_token", &cfg.MessagingToken, raw.MessagingToken)
	setString("bridge_base_url", &cfg.BridgeBaseURL, raw.BridgeBaseURL)
	setString("bridge_token", &cfg.BridgeToken, raw.BridgeToken)
	setString("push_url", &cfg.PushURL, raw.PushURL)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"provider_timeout", raw.ProviderTimeout, &cfg.ProviderTimeout},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"poll_max_duration", raw.PollMaxDuration, &cfg.PollMaxDuration},
		{"push_min_backoff", raw.PushMinBackoff, &cfg.PushMinBackoff},
		{"push_max_backoff", raw.PushMaxBackoff, &cfg.PushMaxBackoff},
		{"transition_ttl", raw.TransitionTTL, &cfg.TransitionTTL},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load config: %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("provider_rate_limit") {
		cfg.ProviderRateLimit = raw.ProviderRateLimit
	}
	if meta.IsDefined("provider_burst") {
		cfg.ProviderBurst = raw.ProviderBurst
	}
	if meta.IsDefined("suggestion_limit") {
		cfg.SuggestionLimit = raw.SuggestionLimit
	}
	if meta.IsDefined("suggestion_threshold") {
		cfg.SuggestionThreshold = raw.SuggestionThreshold
	}
	if meta.IsDefined("subscription_buffer") {
		cfg.SubscriptionBuffer = raw.SubscriptionBuffer
	}
	if meta.IsDefined("poll_degraded_failures") {
		cfg.PollDegradedFailures = raw.PollDegradedFailures
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if cfg.PollMaxDuration < cfg.PollInterval {
		return fmt.Errorf("poll_max_duration must be at least poll_interval")
	}
	if cfg.SuggestionLimit < 0 {
		return fmt.Errorf("suggestion_limit must not be negative")
	}
	if cfg.SuggestionThreshold < 0 || cfg.SuggestionThreshold > 1 {
		return fmt.Errorf("suggestion_threshold must be within [0,1]")
	}
	if cfg.PushMaxBackoff > 0 && cfg.PushMinBackoff > cfg.PushMaxBackoff {
		return fmt.Errorf("push_min_backoff must not exceed push_max_backoff")
	}
	return nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "sigbridge", "sigbridged.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sigbridged.sock"
	}
	return filepath.Join(home, ".local", "state", "sigbridge", "sigbridged.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sigbridge.db"
	}
	return filepath.Join(home, ".local", "state", "sigbridge", "state.db")
}
