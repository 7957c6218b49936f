// Package config loads voice search client settings from defaults, an
// optional YAML or JSON file and VOICESEARCH_* environment variables, in
// that order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"
)

type Config struct {
	// Session bootstrap endpoint and the bearer token used for it and the
	// websocket handshake.
	BootstrapURL string `json:"bootstrap_url" yaml:"bootstrap_url"`
	APIToken     string `json:"api_token" yaml:"api_token"`
	Language     string `json:"language" yaml:"language"`

	// Microphone capture via ffmpeg.
	FFmpegPath    string        `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	CaptureInput  string        `json:"capture_input" yaml:"capture_input"`
	SampleRateHz  int           `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	Channels      int           `json:"channels" yaml:"channels"`
	SliceDuration time.Duration `json:"slice_duration" yaml:"slice_duration"`

	// Playback via ffplay. Disabled playback discards frames.
	PlaybackDisabled     bool   `json:"playback_disabled" yaml:"playback_disabled"`
	FFplayPath           string `json:"ffplay_path" yaml:"ffplay_path"`
	PlaybackSampleRateHz int    `json:"playback_sample_rate_hz" yaml:"playback_sample_rate_hz"`
	PlaybackVolume       int    `json:"playback_volume" yaml:"playback_volume"`

	// Partial query throttling.
	PartialMinChars    int           `json:"partial_min_chars" yaml:"partial_min_chars"`
	PartialCooldown    time.Duration `json:"partial_cooldown" yaml:"partial_cooldown"`
	PartialGuardWindow time.Duration `json:"partial_guard_window" yaml:"partial_guard_window"`

	// Websocket channel.
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	PingInterval     time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout     time.Duration `json:"write_timeout" yaml:"write_timeout"`
	AudioBuffer      int           `json:"audio_buffer" yaml:"audio_buffer"`

	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`

	// Empty disables the /metrics listener.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// Empty disables the search history journal.
	DatabaseURL    string `json:"database_url" yaml:"database_url"`
	HistoryPartial bool   `json:"history_partial" yaml:"history_partial"`

	// Entitlement. With no WorkOS key every session is allowed.
	WorkOSAPIKey         string   `json:"workos_api_key" yaml:"workos_api_key"`
	WorkOSEndpoint       string   `json:"workos_endpoint" yaml:"workos_endpoint"`
	WorkOSUserID         string   `json:"workos_user_id" yaml:"workos_user_id"`
	RequireVerifiedEmail bool     `json:"require_verified_email" yaml:"require_verified_email"`
	StripeSecretKey      string   `json:"stripe_secret_key" yaml:"stripe_secret_key"`
	StripePrices         []string `json:"stripe_prices" yaml:"stripe_prices"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

func DefaultConfig() *Config {
	return &Config{
		Language:             "en",
		FFmpegPath:           "ffmpeg",
		SampleRateHz:         16000,
		Channels:             1,
		SliceDuration:        250 * time.Millisecond,
		FFplayPath:           "ffplay",
		PlaybackSampleRateHz: 24000,
		PlaybackVolume:       100,
		PartialMinChars:      8,
		PartialCooldown:      1500 * time.Millisecond,
		PartialGuardWindow:   time.Second,
		HandshakeTimeout:     10 * time.Second,
		PingInterval:         20 * time.Second,
		WriteTimeout:         5 * time.Second,
		AudioBuffer:          64,
		EventBuffer:          256,
		RequireVerifiedEmail: true,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// UnmarshalJSON accepts durations either as Go duration strings ("250ms")
// or as integer nanoseconds, matching what the YAML loader accepts.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Fields Config
	shadow := struct {
		*Fields
		SliceDuration      *jsonDuration `json:"slice_duration"`
		PartialCooldown    *jsonDuration `json:"partial_cooldown"`
		PartialGuardWindow *jsonDuration `json:"partial_guard_window"`
		HandshakeTimeout   *jsonDuration `json:"handshake_timeout"`
		PingInterval       *jsonDuration `json:"ping_interval"`
		WriteTimeout       *jsonDuration `json:"write_timeout"`
	}{
		Fields:             (*Fields)(c),
		SliceDuration:      (*jsonDuration)(&c.SliceDuration),
		PartialCooldown:    (*jsonDuration)(&c.PartialCooldown),
		PartialGuardWindow: (*jsonDuration)(&c.PartialGuardWindow),
		HandshakeTimeout:   (*jsonDuration)(&c.HandshakeTimeout),
		PingInterval:       (*jsonDuration)(&c.PingInterval),
		WriteTimeout:       (*jsonDuration)(&c.WriteTimeout),
	}
	return json.Unmarshal(data, &shadow)
}

type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = jsonDuration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = jsonDuration(parsed)
	case nil:
	default:
		return fmt.Errorf("duration must be a string or a number, got %s", data)
	}
	return nil
}

// Load reads path (or VOICESEARCH_CONFIG when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv("VOICESEARCH_CONFIG"))
	}
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}
	return nil
}

// applyEnv overlays VOICESEARCH_* variables. An empty variable leaves the
// current value alone; one that does not parse fails Load instead of being
// silently ignored.
func applyEnv(cfg *Config) error {
	var e envOverlay
	e.stringVar("VOICESEARCH_BOOTSTRAP_URL", &cfg.BootstrapURL)
	e.stringVar("VOICESEARCH_API_TOKEN", &cfg.APIToken)
	e.stringVar("VOICESEARCH_LANGUAGE", &cfg.Language)
	e.stringVar("VOICESEARCH_FFMPEG_PATH", &cfg.FFmpegPath)
	e.stringVar("VOICESEARCH_CAPTURE_INPUT", &cfg.CaptureInput)
	e.intVar("VOICESEARCH_SAMPLE_RATE_HZ", &cfg.SampleRateHz)
	e.intVar("VOICESEARCH_CHANNELS", &cfg.Channels)
	e.durationVar("VOICESEARCH_SLICE_DURATION", &cfg.SliceDuration)
	e.boolVar("VOICESEARCH_PLAYBACK_DISABLED", &cfg.PlaybackDisabled)
	e.stringVar("VOICESEARCH_FFPLAY_PATH", &cfg.FFplayPath)
	e.intVar("VOICESEARCH_PLAYBACK_SAMPLE_RATE_HZ", &cfg.PlaybackSampleRateHz)
	e.intVar("VOICESEARCH_PLAYBACK_VOLUME", &cfg.PlaybackVolume)
	e.intVar("VOICESEARCH_PARTIAL_MIN_CHARS", &cfg.PartialMinChars)
	e.durationVar("VOICESEARCH_PARTIAL_COOLDOWN", &cfg.PartialCooldown)
	e.durationVar("VOICESEARCH_PARTIAL_GUARD_WINDOW", &cfg.PartialGuardWindow)
	e.durationVar("VOICESEARCH_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	e.durationVar("VOICESEARCH_PING_INTERVAL", &cfg.PingInterval)
	e.durationVar("VOICESEARCH_WRITE_TIMEOUT", &cfg.WriteTimeout)
	e.intVar("VOICESEARCH_AUDIO_BUFFER", &cfg.AudioBuffer)
	e.intVar("VOICESEARCH_EVENT_BUFFER", &cfg.EventBuffer)
	e.stringVar("VOICESEARCH_METRICS_ADDR", &cfg.MetricsAddr)
	e.stringVar("VOICESEARCH_DATABASE_URL", &cfg.DatabaseURL)
	e.boolVar("VOICESEARCH_HISTORY_PARTIAL", &cfg.HistoryPartial)
	e.stringVar("WORKOS_API_KEY", &cfg.WorkOSAPIKey)
	e.stringVar("WORKOS_ENDPOINT", &cfg.WorkOSEndpoint)
	e.stringVar("VOICESEARCH_WORKOS_USER_ID", &cfg.WorkOSUserID)
	e.boolVar("VOICESEARCH_REQUIRE_VERIFIED_EMAIL", &cfg.RequireVerifiedEmail)
	e.stringVar("STRIPE_SECRET_KEY", &cfg.StripeSecretKey)
	e.listVar("VOICESEARCH_STRIPE_PRICES", &cfg.StripePrices)
	e.stringVar("VOICESEARCH_LOG_LEVEL", &cfg.LogLevel)
	e.stringVar("VOICESEARCH_LOG_FORMAT", &cfg.LogFormat)
	return e.err
}

// Validate reports the first invalid setting, named by its environment
// variable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BootstrapURL) == "" {
		return fmt.Errorf("VOICESEARCH_BOOTSTRAP_URL must not be empty")
	}
	if !strings.HasPrefix(c.BootstrapURL, "http://") && !strings.HasPrefix(c.BootstrapURL, "https://") {
		return fmt.Errorf("VOICESEARCH_BOOTSTRAP_URL must be an http(s) url")
	}
	if c.SampleRateHz <= 0 {
		return fmt.Errorf("VOICESEARCH_SAMPLE_RATE_HZ must be > 0")
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("VOICESEARCH_CHANNELS must be 1 or 2")
	}
	if c.SliceDuration <= 0 {
		return fmt.Errorf("VOICESEARCH_SLICE_DURATION must be > 0")
	}
	if c.PlaybackSampleRateHz <= 0 {
		return fmt.Errorf("VOICESEARCH_PLAYBACK_SAMPLE_RATE_HZ must be > 0")
	}
	if c.PlaybackVolume < 0 || c.PlaybackVolume > 100 {
		return fmt.Errorf("VOICESEARCH_PLAYBACK_VOLUME must be between 0 and 100")
	}
	if c.PartialMinChars <= 0 {
		return fmt.Errorf("VOICESEARCH_PARTIAL_MIN_CHARS must be > 0")
	}
	if c.PartialCooldown <= 0 {
		return fmt.Errorf("VOICESEARCH_PARTIAL_COOLDOWN must be > 0")
	}
	if c.PartialGuardWindow <= 0 {
		return fmt.Errorf("VOICESEARCH_PARTIAL_GUARD_WINDOW must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("VOICESEARCH_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("VOICESEARCH_PING_INTERVAL must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("VOICESEARCH_WRITE_TIMEOUT must be > 0")
	}
	if c.AudioBuffer <= 0 {
		return fmt.Errorf("VOICESEARCH_AUDIO_BUFFER must be > 0")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("VOICESEARCH_EVENT_BUFFER must be > 0")
	}
	if c.WorkOSAPIKey != "" && strings.TrimSpace(c.WorkOSUserID) == "" {
		return fmt.Errorf("VOICESEARCH_WORKOS_USER_ID must be set when WORKOS_API_KEY is set")
	}
	if c.StripeSecretKey != "" && c.WorkOSAPIKey == "" {
		return fmt.Errorf("WORKOS_API_KEY must be set when STRIPE_SECRET_KEY is set")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("VOICESEARCH_LOG_FORMAT must be one of text|json")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VOICESEARCH_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return nil
}

// envOverlay writes parsed environment values into config fields and keeps
// the first parse failure.
type envOverlay struct {
	err error
}

func (e *envOverlay) stringVar(key string, dst *string) {
	overlay(e, key, dst, func(raw string) (string, error) { return raw, nil })
}

func (e *envOverlay) intVar(key string, dst *int) {
	overlay(e, key, dst, strconv.Atoi)
}

func (e *envOverlay) boolVar(key string, dst *bool) {
	overlay(e, key, dst, parseSwitch)
}

func (e *envOverlay) durationVar(key string, dst *time.Duration) {
	overlay(e, key, dst, time.ParseDuration)
}

// listVar replaces dst with the comma-separated entries of key. A value with no
// entries leaves dst alone.
func (e *envOverlay) listVar(key string, dst *[]string) {
	overlay(e, key, dst, func(raw string) ([]string, error) {
		if items := splitList(raw); len(items) > 0 {
			return items, nil
		}
		return *dst, nil
	})
}

func overlay[T any](e *envOverlay, key string, dst *T, parse func(string) (T, error)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := parse(raw)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("%s=%q: %w", key, raw, err)
		}
		return
	}
	*dst = v
}

// parseSwitch accepts the on/off spellings people put in .env files.
func parseSwitch(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("want one of true|false|yes|no|on|off|1|0")
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
