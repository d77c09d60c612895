package config

import (
	"fmt"
	"net/url"
	"strings"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate rejects configurations the daemon cannot run with. Load calls it
// after defaults are applied; the service tier reuses it for env overrides.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if cfg.AccrualFeeBps > 10_000 {
		return fmt.Errorf("config: AccrualFeeBps %d exceeds 10000", cfg.AccrualFeeBps)
	}
	if cfg.SweepIntervalSeconds == 0 {
		return fmt.Errorf("config: SweepIntervalSeconds must be positive")
	}
	if cfg.GuardTTLSeconds == 0 {
		return fmt.Errorf("config: GuardTTLSeconds must be positive")
	}
	if !logLevels[strings.ToLower(strings.TrimSpace(cfg.Log.Level))] {
		return fmt.Errorf("config: log.Level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	if cfg.Auth.RatePerSecond <= 0 {
		return fmt.Errorf("config: auth.RatePerSecond must be positive")
	}
	if cfg.Auth.RateBurst <= 0 {
		return fmt.Errorf("config: auth.RateBurst must be positive")
	}
	if cfg.Webhooks.QueueSize <= 0 {
		return fmt.Errorf("config: webhooks.QueueSize must be positive")
	}
	if cfg.Webhooks.MaxAttempts <= 0 {
		return fmt.Errorf("config: webhooks.MaxAttempts must be positive")
	}
	for i, target := range cfg.Webhooks.Targets {
		u, err := url.Parse(strings.TrimSpace(target.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: webhooks.Targets[%d].URL %q is not an http(s) URL", i, target.URL)
		}
	}
	if cfg.Recon.Hour < 0 || cfg.Recon.Hour > 23 {
		return fmt.Errorf("config: recon.Hour %d outside 0..23", cfg.Recon.Hour)
	}
	if cfg.Recon.Minute < 0 || cfg.Recon.Minute > 59 {
		return fmt.Errorf("config: recon.Minute %d outside 0..59", cfg.Recon.Minute)
	}
	if cfg.Recon.RetentionDays < 0 {
		return fmt.Errorf("config: recon.RetentionDays must not be negative")
	}
	return nil
}
