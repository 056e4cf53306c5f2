package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks the structural validity of a Config. It verifies the
// version field, requires at least one credential and a default target,
// and checks that every duration, fallback chain, and cron expression
// parses. All problems are reported together.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if len(nonEmpty(cfg.Credentials.Keys)) == 0 {
		errs = append(errs, errors.New("config: credentials.keys must list at least one key"))
	}

	if cfg.Targets.Default == "" {
		errs = append(errs, errors.New("config: targets.default is required"))
	}
	for tgt, chain := range cfg.Targets.Fallbacks {
		if tgt == "" {
			errs = append(errs, errors.New("config: targets.fallbacks contains an empty target name"))
		}
		for i, fb := range chain {
			if fb == "" {
				errs = append(errs, fmt.Errorf("config: targets.fallbacks[%q][%d] is empty", tgt, i))
			}
		}
	}

	errs = append(errs, validateDurations(cfg)...)

	if cfg.Shrink.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("config: shrink.max_attempts must be at least 1, got %d", cfg.Shrink.MaxAttempts))
	}
	if cfg.Shrink.TargetChars < 1 {
		errs = append(errs, fmt.Errorf("config: shrink.target_chars must be positive, got %d", cfg.Shrink.TargetChars))
	}

	if cfg.Usage.Path != "" {
		if _, err := cron.ParseStandard(cfg.Usage.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("config: usage.prune_schedule: %w", err))
		}
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format %q is not one of text, json", cfg.Log.Format))
	}

	return errors.Join(errs...)
}

func validateDurations(cfg *Config) []error {
	var errs []error
	checks := []struct {
		field string
		parse func() error
	}{
		{"cooldowns.long", func() error { _, err := cfg.LongCooldown(); return err }},
		{"cooldowns.short", func() error { _, err := cfg.ShortCooldown(); return err }},
		{"cooldowns.pin_wait", func() error { _, err := cfg.PinWait(); return err }},
		{"transport.timeout", func() error { _, err := cfg.TransportTimeout(); return err }},
		{"usage.retention", func() error { _, err := cfg.UsageRetention(); return err }},
	}
	for _, c := range checks {
		if err := c.parse(); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", c.field, err))
		}
	}
	return errs
}

// nonEmpty filters out blank entries.
func nonEmpty(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) != "" {
			out = append(out, k)
		}
	}
	return out
}
