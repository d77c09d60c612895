package escrowd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"stakepact/config"
)

// FromEnv loads the daemon configuration file named by ESCROWD_CONFIG (default
// ./escrowd.toml) and layers environment overrides on top. Deployments that
// template everything through the environment never need to edit the file.
func FromEnv() (*config.Config, error) {
	path := getenvDefault("ESCROWD_CONFIG", "./escrowd.toml")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overwrites configuration fields from ESCROWD_* environment
// variables. Unset variables leave the file values untouched.
func ApplyEnv(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_DB_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_SCHEDULE_FILE")); v != "" {
		cfg.ScheduleFile = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_ENVIRONMENT")); v != "" {
		cfg.Environment = v
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_ACCRUAL_FEE_BPS")); raw != "" {
		bps, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_ACCRUAL_FEE_BPS: %w", err)
		}
		cfg.AccrualFeeBps = uint32(bps)
	}
	if d, ok, err := durationEnv("ESCROWD_SWEEP_INTERVAL"); err != nil {
		return err
	} else if ok {
		cfg.SweepIntervalSeconds = uint64(d / time.Second)
	}
	if d, ok, err := durationEnv("ESCROWD_GUARD_TTL"); err != nil {
		return err
	} else if ok {
		cfg.GuardTTLSeconds = uint64(d / time.Second)
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_LOG_FILE")); v != "" {
		cfg.Log.File = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_JWT_SECRET_ENV")); v != "" {
		cfg.Auth.JWTSecretEnv = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_JWT_ISSUER")); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_JWT_AUDIENCE")); v != "" {
		cfg.Auth.Audience = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_WALLET_ENDPOINT")); v != "" {
		cfg.Wallet.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_WALLET_API_KEY_ENV")); v != "" {
		cfg.Wallet.APIKeyEnv = v
	}
	if d, ok, err := durationEnv("ESCROWD_WALLET_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.Wallet.TimeoutSeconds = uint64(d / time.Second)
	}
	// Webhook targets arrive as a JSON array:
	// [{"URL":"https://...","Secret":"...","Events":["escrow.released"]}].
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_WEBHOOK_TARGETS")); raw != "" {
		var targets []config.WebhookTarget
		if err := json.Unmarshal([]byte(raw), &targets); err != nil {
			return fmt.Errorf("parse ESCROWD_WEBHOOK_TARGETS: %w", err)
		}
		for _, target := range targets {
			if strings.TrimSpace(target.URL) == "" {
				return errors.New("ESCROWD_WEBHOOK_TARGETS entries must include a URL")
			}
		}
		cfg.Webhooks.Targets = targets
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_RECON_ENABLED")); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse ESCROWD_RECON_ENABLED: %w", err)
		}
		cfg.Recon.Enabled = enabled
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_RECON_DIR")); v != "" {
		cfg.Recon.ReportDir = v
	}
	if raw := strings.TrimSpace(os.Getenv("ESCROWD_PAUSED")); raw != "" {
		cfg.Pauses = config.PausesConfig{}
		for _, op := range strings.Split(raw, ",") {
			switch strings.TrimSpace(strings.ToLower(op)) {
			case "":
			case "distribution":
				cfg.Pauses.Distribution = true
			case "accrual":
				cfg.Pauses.Accrual = true
			case "webhooks":
				cfg.Pauses.Webhooks = true
			default:
				return fmt.Errorf("unknown pause class in ESCROWD_PAUSED: %q", op)
			}
		}
	}
	return nil
}

// SidecarPath returns the location of the sqlite sidecar database.
func SidecarPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "escrowd-sidecar.db")
}

// GuardPath returns the location of the bbolt idempotency guard database.
func GuardPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "escrowd-guard.db")
}

// StatePath returns the location of the LevelDB engine state directory used
// when no DatabaseURL is configured.
func StatePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "state")
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string) (time.Duration, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	if dur <= 0 {
		return 0, false, fmt.Errorf("%s must be positive", key)
	}
	return dur, true, nil
}
