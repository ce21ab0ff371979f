// Package config loads the daemon configuration from ~/.portalsync/config.toml,
// a per-profile .env file and PORTALSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PORTALSYNC_"

// Duration is a time.Duration written as a string such as "30s". Plain
// numbers are read as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config represents the global config file.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	API            APIConfig      `toml:"api"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Sync           SyncConfig     `toml:"sync"`
	Metrics        MetricsConfig  `toml:"metrics"`
	Log            LogConfig      `toml:"log"`
}

type APIConfig struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

// RealtimeConfig configures the push channel. An empty URL runs the daemon
// without a push connection; the poll keeps the stores converging.
type RealtimeConfig struct {
	URL                  string   `toml:"url"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
}

type SyncConfig struct {
	// CurrentUserID overrides the user id read from the token.
	CurrentUserID     string   `toml:"current_user_id"`
	UserName          string   `toml:"user_name"`
	PollInterval      Duration `toml:"poll_interval"`
	TypingTTL         Duration `toml:"typing_ttl"`
	SweepInterval     Duration `toml:"sweep_interval"`
	TypingStopDelay   Duration `toml:"typing_stop_delay"`
	TypingMinInterval Duration `toml:"typing_min_interval"`
}

type MetricsConfig struct {
	// Addr enables the Prometheus listener, e.g. "127.0.0.1:9464".
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Timeout: Duration(15 * time.Second),
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval:  Duration(30 * time.Second),
			ReconnectBaseDelay: Duration(time.Second),
			ReconnectMaxDelay:  Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			PollInterval:      Duration(30 * time.Second),
			TypingTTL:         Duration(5 * time.Second),
			SweepInterval:     Duration(time.Second),
			TypingStopDelay:   Duration(2 * time.Second),
			TypingMinInterval: Duration(time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// wrapping fs.ErrNotExist if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads the given .env files into the process environment, without
// overriding variables already set, then applies PORTALSYNC_* overrides.
// Missing files are skipped.
func (c *Config) ApplyEnv(envFiles ...string) error {
	var present []string
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return fmt.Errorf("load env files: %w", err)
		}
	}

	strs := map[string]*string{
		"API_BASE_URL":    &c.API.BaseURL,
		"API_TOKEN":       &c.API.Token,
		"REALTIME_URL":    &c.Realtime.URL,
		"CURRENT_USER_ID": &c.Sync.CurrentUserID,
		"USER_NAME":       &c.Sync.UserName,
		"METRICS_ADDR":    &c.Metrics.Addr,
		"LOG_LEVEL":       &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}

	durations := map[string]*Duration{
		"API_TIMEOUT":   &c.API.Timeout,
		"POLL_INTERVAL": &c.Sync.PollInterval,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
		}
	}
	return nil
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q must be an http(s) URL", c.API.BaseURL))
	}
	if c.API.Token == "" {
		errs = append(errs, errors.New("api.token is required"))
	}
	if c.Realtime.URL != "" {
		if u, err := url.Parse(c.Realtime.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("realtime.url %q must be a ws(s) URL", c.Realtime.URL))
		}
	}
	if c.Realtime.ReconnectMaxDelay < c.Realtime.ReconnectBaseDelay {
		errs = append(errs, errors.New("realtime.reconnect_max_delay must not be below reconnect_base_delay"))
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("realtime.max_reconnect_attempts must not be negative"))
	}
	if c.Sync.PollInterval.Duration() < time.Second {
		errs = append(errs, fmt.Errorf("sync.poll_interval %s is below 1s", c.Sync.PollInterval.Duration()))
	}
	for name, d := range map[string]Duration{
		"api.timeout":                 c.API.Timeout,
		"sync.typing_ttl":             c.Sync.TypingTTL,
		"sync.sweep_interval":         c.Sync.SweepInterval,
		"sync.typing_stop_delay":      c.Sync.TypingStopDelay,
		"sync.typing_min_interval":    c.Sync.TypingMinInterval,
		"realtime.heartbeat_interval": c.Realtime.HeartbeatInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
