package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the escrowd daemon configuration, loaded from a TOML file.
type Config struct {
	ServiceName   string `toml:"ServiceName"`
	Environment   string `toml:"Environment"`
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	// DatabaseURL selects the Postgres state backend when set. Empty keeps
	// escrow state in the embedded LevelDB store under DataDir.
	DatabaseURL          string `toml:"DatabaseURL"`
	ScheduleFile         string `toml:"ScheduleFile"`
	AccrualFeeBps        uint32 `toml:"AccrualFeeBps"`
	SweepIntervalSeconds uint64 `toml:"SweepIntervalSeconds"`
	GuardTTLSeconds      uint64 `toml:"GuardTTLSeconds"`

	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Auth      AuthConfig      `toml:"auth"`
	Wallet    WalletConfig    `toml:"wallet"`
	Webhooks  WebhooksConfig  `toml:"webhooks"`
	Recon     ReconConfig     `toml:"recon"`
	Pauses    PausesConfig    `toml:"pauses"`
}

// Load loads the configuration from the given path. A missing file is
// materialized with defaults; unknown keys are rejected so typos do not
// silently fall back to defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("config file %s contains unknown key %q", path, undecoded.String())
	}

	applyDefaults(cfg)
	if err := ensureSchedule(path, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "escrowd"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8690"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = DefaultSweepIntervalSeconds
	}
	if cfg.GuardTTLSeconds == 0 {
		cfg.GuardTTLSeconds = DefaultGuardTTLSeconds
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 14
	}
	if cfg.Auth.SkewSeconds == 0 {
		cfg.Auth.SkewSeconds = 60
	}
	if cfg.Auth.RatePerSecond == 0 {
		cfg.Auth.RatePerSecond = 25
	}
	if cfg.Auth.RateBurst == 0 {
		cfg.Auth.RateBurst = 50
	}
	if cfg.Wallet.TimeoutSeconds == 0 {
		cfg.Wallet.TimeoutSeconds = 10
	}
	if cfg.Webhooks.QueueSize == 0 {
		cfg.Webhooks.QueueSize = 256
	}
	if cfg.Webhooks.TTLSeconds == 0 {
		cfg.Webhooks.TTLSeconds = 86_400
	}
	if cfg.Webhooks.MaxAttempts == 0 {
		cfg.Webhooks.MaxAttempts = 8
	}
	if strings.TrimSpace(cfg.Recon.Timezone) == "" {
		cfg.Recon.Timezone = "UTC"
	}
	if strings.TrimSpace(cfg.Recon.ReportDir) == "" {
		cfg.Recon.ReportDir = "./recon-reports"
	}
	if cfg.Recon.RetentionDays == 0 {
		cfg.Recon.RetentionDays = 30
	}
}

// ensureSchedule materializes a starter accrual schedule next to the config
// file when none is configured, and persists the resolved path back so the
// operator can find and edit it.
func ensureSchedule(configPath string, cfg *Config) error {
	schedulePath := cfg.ScheduleFile
	if strings.TrimSpace(schedulePath) == "" {
		schedulePath = defaultSchedulePath(configPath)
	}

	if _, err := os.Stat(schedulePath); os.IsNotExist(err) {
		if err := os.WriteFile(schedulePath, []byte(starterSchedule), 0o644); err != nil {
			return fmt.Errorf("write starter schedule %s: %w", schedulePath, err)
		}
	} else if err != nil {
		return err
	}

	if cfg.ScheduleFile != schedulePath {
		cfg.ScheduleFile = schedulePath
		return persist(configPath, cfg)
	}
	return nil
}

// starterSchedule accrues nothing until an operator configures real tiers.
const starterSchedule = `# Accrual schedule for escrowd. Tiers are ordered by minPrincipal; amounts are
# minor units (cents) and rates are annual fractions ("0.05") or ratios ("1/20").
tiers:
  - minPrincipal: "0"
    rate: "0"
`

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8690",
		DataDir:       "./escrowd-data",
	}
	applyDefaults(cfg)
	cfg.ScheduleFile = defaultSchedulePath(path)

	if _, err := os.Stat(cfg.ScheduleFile); os.IsNotExist(err) {
		if err := os.WriteFile(cfg.ScheduleFile, []byte(starterSchedule), 0o644); err != nil {
			return nil, fmt.Errorf("write starter schedule %s: %w", cfg.ScheduleFile, err)
		}
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultSchedulePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "accrual.yaml")
}
