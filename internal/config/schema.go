// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for genrelay.
package config

import "time"

const (
	defaultLongCooldown  = "1h"
	defaultShortCooldown = "10s"
	defaultPinWait       = "2s"
	defaultTimeout       = "120s"
	defaultListen        = ":8080"
	defaultMaxAttempts   = 3
	defaultTargetChars   = 2000
	defaultRetention     = "720h"
	defaultPruneSchedule = "0 3 * * *"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	Credentials CredentialsConfig `yaml:"credentials"`
	Cooldowns   CooldownsConfig   `yaml:"cooldowns"`
	Targets     TargetsConfig     `yaml:"targets"`
	Shrink      ShrinkConfig      `yaml:"shrink"`
	Transport   TransportConfig   `yaml:"transport"`
	Server      ServerConfig      `yaml:"server"`
	Usage       UsageConfig       `yaml:"usage"`
	Log         LogConfig         `yaml:"log"`
}

// CredentialsConfig lists the API keys shared by the pool.
type CredentialsConfig struct {
	// Keys holds the raw API keys, typically ${VAR} references.
	Keys []string `yaml:"keys"`
}

// CooldownsConfig tunes how long failed credentials stay benched.
// All values are duration strings.
type CooldownsConfig struct {
	// Long applies after quota and rate-limit failures. Default: "1h".
	Long string `yaml:"long"`

	// Short applies after every other failure. Default: "10s".
	Short string `yaml:"short"`

	// PinWait bounds the wait for a pinned credential. Default: "2s".
	PinWait string `yaml:"pin_wait"`
}

// TargetsConfig names the default model and its fallback chains.
type TargetsConfig struct {
	// Default is the model used when a request names none (required).
	Default string `yaml:"default"`

	// Fallbacks maps a model to the ordered models tried after its
	// credential pool is spent.
	Fallbacks map[string][]string `yaml:"fallbacks"`
}

// ShrinkConfig tunes the compact-and-retry policy.
type ShrinkConfig struct {
	// MaxAttempts caps generation attempts per request. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// SummaryTarget is the model used to condense oversized context
	// blocks. Empty falls back to head/tail truncation only.
	SummaryTarget string `yaml:"summary_target"`

	// TargetChars is the compaction target for blocks that do not set
	// their own. Default: 2000.
	TargetChars int `yaml:"target_chars"`
}

// TransportConfig tunes the upstream HTTP client.
type TransportConfig struct {
	// BaseURL overrides the provider endpoint, mainly for tests.
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-call HTTP timeout as a duration string.
	// Default: "120s".
	Timeout string `yaml:"timeout"`
}

// ServerConfig tunes the HTTP gateway.
type ServerConfig struct {
	// Listen is the bind address. Default: ":8080".
	Listen string `yaml:"listen"`

	// AuthToken protects the API when set. Empty disables auth,
	// intended for local use only.
	AuthToken string `yaml:"auth_token"`
}

// UsageConfig tunes the request accounting store.
type UsageConfig struct {
	// Path is the SQLite database file. Empty disables accounting.
	Path string `yaml:"path"`

	// Retention is how long records are kept, as a duration string.
	// Default: "720h".
	Retention string `yaml:"retention"`

	// PruneSchedule is the cron expression for retention pruning.
	// Default: "0 3 * * *".
	PruneSchedule string `yaml:"prune_schedule"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: "info".
	Level string `yaml:"level"`

	// Format is "text" or "json". Default: "text".
	Format string `yaml:"format"`
}

// defaults fills in zero-value fields with sensible defaults.
func (c *Config) defaults() {
	if c.Cooldowns.Long == "" {
		c.Cooldowns.Long = defaultLongCooldown
	}
	if c.Cooldowns.Short == "" {
		c.Cooldowns.Short = defaultShortCooldown
	}
	if c.Cooldowns.PinWait == "" {
		c.Cooldowns.PinWait = defaultPinWait
	}
	if c.Shrink.MaxAttempts == 0 {
		c.Shrink.MaxAttempts = defaultMaxAttempts
	}
	if c.Shrink.TargetChars == 0 {
		c.Shrink.TargetChars = defaultTargetChars
	}
	if c.Transport.Timeout == "" {
		c.Transport.Timeout = defaultTimeout
	}
	if c.Server.Listen == "" {
		c.Server.Listen = defaultListen
	}
	if c.Usage.Retention == "" {
		c.Usage.Retention = defaultRetention
	}
	if c.Usage.PruneSchedule == "" {
		c.Usage.PruneSchedule = defaultPruneSchedule
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = defaultLogFormat
	}
}

// LongCooldown parses Cooldowns.Long.
func (c *Config) LongCooldown() (time.Duration, error) {
	return time.ParseDuration(c.Cooldowns.Long)
}

// ShortCooldown parses Cooldowns.Short.
func (c *Config) ShortCooldown() (time.Duration, error) {
	return time.ParseDuration(c.Cooldowns.Short)
}

// PinWait parses Cooldowns.PinWait.
func (c *Config) PinWait() (time.Duration, error) {
	return time.ParseDuration(c.Cooldowns.PinWait)
}

// TransportTimeout parses Transport.Timeout.
func (c *Config) TransportTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Transport.Timeout)
}

// UsageRetention parses Usage.Retention.
func (c *Config) UsageRetention() (time.Duration, error) {
	return time.ParseDuration(c.Usage.Retention)
}
