package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"stakepact/escrow"
)

// SweepInterval returns the accrual sweeper cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// GuardTTL returns how long idempotency records are retained.
func (c *Config) GuardTTL() time.Duration {
	return time.Duration(c.GuardTTLSeconds) * time.Second
}

// Timeout returns the wallet client request deadline.
func (w WalletConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// ResolveAPIKey returns the wallet API key, preferring the named environment
// variable over the inline value. A blank result is allowed; the mock wallet
// needs no key.
func (w WalletConfig) ResolveAPIKey() string {
	if env := strings.TrimSpace(w.APIKeyEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(w.APIKey)
}

// Skew returns the accepted clock skew for token validation.
func (a AuthConfig) Skew() time.Duration {
	return time.Duration(a.SkewSeconds) * time.Second
}

// ResolveSecret returns the JWT signing secret, preferring the named
// environment variable over the inline value. Auth cannot run without one.
func (a AuthConfig) ResolveSecret() (string, error) {
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(a.JWTSecret); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("config: auth secret missing; set auth.JWTSecret or auth.JWTSecretEnv")
}

// TTL returns how long undelivered webhooks stay eligible for retry.
func (w WebhooksConfig) TTL() time.Duration {
	return time.Duration(w.TTLSeconds) * time.Second
}

// Location resolves the reconciliation schedule's timezone.
func (r ReconConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: recon.Timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// Seed lists the operation classes to pause at startup.
func (p PausesConfig) Seed() []string {
	var ops []string
	if p.Distribution {
		ops = append(ops, escrow.PauseDistribution)
	}
	if p.Accrual {
		ops = append(ops, escrow.PauseAccrual)
	}
	if p.Webhooks {
		ops = append(ops, escrow.PauseWebhooks)
	}
	return ops
}
