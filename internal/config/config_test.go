package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.API.BaseURL = "https://portal.example.com/api"
	cfg.API.Token = "token"
	return cfg
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := validConfig()
	cfg.DefaultProfile = "work"
	cfg.Sync.PollInterval = Duration(45 * time.Second)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Sync.PollInterval.Duration() != 45*time.Second {
		t.Errorf("PollInterval = %s, want 45s", loaded.Sync.PollInterval.Duration())
	}
	if loaded.API.BaseURL != cfg.API.BaseURL {
		t.Errorf("BaseURL = %q, want %q", loaded.API.BaseURL, cfg.API.BaseURL)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `default_profile = "main"

[api]
base_url = "http://localhost:8000"
token = "abc"

[sync]
typing_ttl = "3s"
sweep_interval = 2
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Sync.TypingTTL.Duration() != 3*time.Second {
		t.Errorf("TypingTTL = %s, want 3s", cfg.Sync.TypingTTL.Duration())
	}
	if cfg.Sync.SweepInterval.Duration() != 2*time.Second {
		t.Errorf("SweepInterval = %s, want 2s", cfg.Sync.SweepInterval.Duration())
	}
	if cfg.Sync.PollInterval.Duration() != 30*time.Second {
		t.Errorf("PollInterval = %s, want default 30s", cfg.Sync.PollInterval.Duration())
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\npoll_interval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "PORTALSYNC_API_TOKEN=from-file\nPORTALSYNC_REALTIME_URL=wss://portal.example.com/ws\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	// Registered so t.Setenv restores them; godotenv only fills unset keys.
	t.Setenv("PORTALSYNC_REALTIME_URL", "")
	os.Unsetenv("PORTALSYNC_REALTIME_URL")
	t.Setenv("PORTALSYNC_API_TOKEN", "from-process")
	t.Setenv("PORTALSYNC_POLL_INTERVAL", "90s")
	t.Setenv("PORTALSYNC_LOG_LEVEL", "debug")

	cfg := validConfig()
	if err := cfg.ApplyEnv(envFile, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.API.Token != "from-process" {
		t.Errorf("Token = %q, want process value", cfg.API.Token)
	}
	if cfg.Realtime.URL != "wss://portal.example.com/ws" {
		t.Errorf("Realtime.URL = %q, want value from .env", cfg.Realtime.URL)
	}
	if cfg.Sync.PollInterval.Duration() != 90*time.Second {
		t.Errorf("PollInterval = %s, want 90s", cfg.Sync.PollInterval.Duration())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestApplyEnvBadDuration(t *testing.T) {
	t.Setenv("PORTALSYNC_API_TIMEOUT", "forever")
	if err := validConfig().ApplyEnv(); err == nil {
		t.Error("ApplyEnv() expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.API.BaseURL = "" }, wantErr: "api.base_url is required"},
		{name: "bad base url", mutate: func(c *Config) { c.API.BaseURL = "ftp://x" }, wantErr: "http(s) URL"},
		{name: "missing token", mutate: func(c *Config) { c.API.Token = "" }, wantErr: "api.token"},
		{name: "bad realtime url", mutate: func(c *Config) { c.Realtime.URL = "http://x/ws" }, wantErr: "ws(s) URL"},
		{name: "ws url", mutate: func(c *Config) { c.Realtime.URL = "ws://localhost:8000/ws" }},
		{name: "poll too fast", mutate: func(c *Config) { c.Sync.PollInterval = Duration(10 * time.Millisecond) }, wantErr: "poll_interval"},
		{name: "negative ttl", mutate: func(c *Config) { c.Sync.TypingTTL = Duration(-time.Second) }, wantErr: "sync.typing_ttl"},
		{name: "backoff inverted", mutate: func(c *Config) { c.Realtime.ReconnectMaxDelay = 0 }, wantErr: "reconnect_max_delay"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	for in, want := range map[string]time.Duration{
		"1m30s": 90 * time.Second,
		"2":     2 * time.Second,
		"0.5":   500 * time.Millisecond,
		"":      0,
	} {
		if err := d.UnmarshalText([]byte(in)); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", in, err)
		}
		if d.Duration() != want {
			t.Errorf("UnmarshalText(%q) = %s, want %s", in, d.Duration(), want)
		}
	}
	out, _ := Duration(1500 * time.Millisecond).MarshalText()
	if string(out) != "1.5s" {
		t.Errorf("MarshalText = %q, want 1.5s", out)
	}
}
