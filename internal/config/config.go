package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lu-zhengda/mailcore/internal/domain"
)

const appName = "mailcore"

// Config holds all mailcore configuration.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Remote   RemoteConfig   `toml:"remote"`
	Sync     SyncConfig     `toml:"sync"`
	Search   SearchConfig   `toml:"search"`
	Offline  OfflineConfig  `toml:"offline"`
	Eviction EvictionConfig `toml:"eviction"`
	Log      LogConfig      `toml:"log"`
	Accounts AccountsConfig `toml:"accounts"`
	Gmail    GmailConfig    `toml:"gmail"`
}

// Duration is a time.Duration written as a Go duration string ("5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// StoreConfig controls the local database.
type StoreConfig struct {
	// Path defaults to <data dir>/mailcore.db.
	Path           string   `toml:"path"`
	QuotaBytes     int64    `toml:"quota_bytes"`
	OpenRetryDelay Duration `toml:"open_retry_delay"`
}

// RemoteConfig selects and tunes the remote mailbox API.
type RemoteConfig struct {
	// Kind is "http" or "gmail".
	Kind       string   `toml:"kind"`
	BaseURL    string   `toml:"base_url"`
	Timeout    Duration `toml:"timeout"`
	MaxRetries int      `toml:"max_retries"`
	BaseDelay  Duration `toml:"base_delay"`
	MaxDelay   Duration `toml:"max_delay"`
	// Jitter is the largest share of a retry delay that is randomly cut.
	Jitter float64 `toml:"jitter"`
}

// SyncConfig holds email synchronization settings.
type SyncConfig struct {
	Interval  Duration `toml:"interval"`
	Scope     string   `toml:"scope"`
	PageSize  int      `toml:"page_size"`
	Pages     int      `toml:"pages"`
	BodyLimit int      `toml:"body_limit"`
	// WithBodies queues a body backfill after each metadata task.
	WithBodies  bool     `toml:"with_bodies"`
	TaskTimeout Duration `toml:"task_timeout"`
}

type SearchConfig struct {
	BatchSize           int      `toml:"batch_size"`
	Debounce            Duration `toml:"debounce"`
	IncludeBodies       bool     `toml:"include_bodies"`
	DivergenceTolerance int      `toml:"divergence_tolerance"`
	DivergenceRatio     float64  `toml:"divergence_ratio"`
}

type OfflineConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	OutboxBaseDelay Duration `toml:"outbox_base_delay"`
	OutboxMaxDelay  Duration `toml:"outbox_max_delay"`
	ProbeInterval   Duration `toml:"probe_interval"`
}

type EvictionConfig struct {
	HighWater      float64  `toml:"high_water"`
	TargetFraction float64  `toml:"target_fraction"`
	BatchSize      int      `toml:"batch_size"`
	SampleSize     int      `toml:"sample_size"`
	PollInterval   Duration `toml:"poll_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AccountsConfig holds account selection settings.
type AccountsConfig struct {
	Default string           `toml:"default"`
	List    []domain.Account `toml:"list"`
}

// GmailConfig holds Gmail OAuth credentials.
// Users can override the embedded defaults via config file or env vars.
type GmailConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			QuotaBytes:     512 << 20,
			OpenRetryDelay: Duration{250 * time.Millisecond},
		},
		Remote: RemoteConfig{
			Kind:       "http",
			BaseURL:    "http://127.0.0.1:8025",
			Timeout:    Duration{15 * time.Second},
			MaxRetries: 3,
			BaseDelay:  Duration{200 * time.Millisecond},
			MaxDelay:   Duration{5 * time.Second},
			Jitter:     0.2,
		},
		Sync: SyncConfig{
			Interval:    Duration{5 * time.Minute},
			Scope:       "all",
			PageSize:    50,
			Pages:       1,
			BodyLimit:   25,
			WithBodies:  true,
			TaskTimeout: Duration{45 * time.Second},
		},
		Search: SearchConfig{
			BatchSize:           100,
			Debounce:            Duration{500 * time.Millisecond},
			DivergenceTolerance: 25,
			DivergenceRatio:     0.05,
		},
		Offline: OfflineConfig{
			MaxAttempts:     10,
			OutboxBaseDelay: Duration{2 * time.Second},
			OutboxMaxDelay:  Duration{10 * time.Minute},
			ProbeInterval:   Duration{30 * time.Second},
		},
		Eviction: EvictionConfig{
			HighWater:      0.85,
			TargetFraction: 0.10,
			BatchSize:      500,
			SampleSize:     20,
			PollInterval:   Duration{time.Minute},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

// Load reads config from path. If path is empty, returns defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Remote.Kind != "http" && c.Remote.Kind != "gmail" {
		return fmt.Errorf("remote.kind must be http or gmail, got %q", c.Remote.Kind)
	}
	if c.Sync.Scope != "all" && c.Sync.Scope != "priority" {
		return fmt.Errorf("sync.scope must be all or priority, got %q", c.Sync.Scope)
	}
	if c.Eviction.HighWater <= 0 || c.Eviction.HighWater > 1 {
		return fmt.Errorf("eviction.high_water must be in (0, 1], got %v", c.Eviction.HighWater)
	}
	if c.Eviction.TargetFraction <= 0 || c.Eviction.TargetFraction > 1 {
		return fmt.Errorf("eviction.target_fraction must be in (0, 1], got %v", c.Eviction.TargetFraction)
	}
	if c.Remote.Jitter < 0 || c.Remote.Jitter > 1 {
		return fmt.Errorf("remote.jitter must be in [0, 1], got %v", c.Remote.Jitter)
	}
	if c.Offline.MaxAttempts < 1 {
		return fmt.Errorf("offline.max_attempts must be at least 1, got %d", c.Offline.MaxAttempts)
	}
	return nil
}

// StorePath returns the configured database path or the default one.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(DataDir(), appName+".db")
}

// Account looks up a configured account by id.
func (c *Config) Account(id string) (domain.Account, bool) {
	for _, a := range c.Accounts.List {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Account{}, false
}

// ConfigDir returns the mailcore config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", appName)
}

// DataDir returns the mailcore data directory path.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", appName)
}
