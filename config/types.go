package config

// Default intervals applied when the file leaves them unset.
const (
	DefaultSweepIntervalSeconds = uint64(900)
	DefaultGuardTTLSeconds      = uint64(86_400)
)

// LogConfig controls the slog JSON sink and its rotation policy. A blank File
// keeps logs on stderr.
type LogConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// TelemetryConfig points at an OTLP HTTP collector. A blank Endpoint disables
// export entirely.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

// AuthConfig holds the bearer-token verification settings for the HTTP
// service. The signing secret may be inlined or pulled from the named
// environment variable; the env var wins when both are set.
type AuthConfig struct {
	JWTSecret     string  `toml:"JWTSecret"`
	JWTSecretEnv  string  `toml:"JWTSecretEnv"`
	Issuer        string  `toml:"Issuer"`
	Audience      string  `toml:"Audience"`
	SkewSeconds   uint64  `toml:"SkewSeconds"`
	RatePerSecond float64 `toml:"RatePerSecond"`
	RateBurst     int     `toml:"RateBurst"`
}

// WalletConfig describes the funds-provider endpoint. A blank Endpoint selects
// the in-memory mock wallet, which only makes sense outside production.
type WalletConfig struct {
	Endpoint       string `toml:"Endpoint"`
	APIKey         string `toml:"APIKey"`
	APIKeyEnv      string `toml:"APIKeyEnv"`
	TimeoutSeconds uint64 `toml:"TimeoutSeconds"`
}

// WebhookTarget is one delivery destination. An empty Events list subscribes
// the target to every event type.
type WebhookTarget struct {
	URL    string   `toml:"URL"`
	Secret string   `toml:"Secret"`
	Events []string `toml:"Events"`
}

// WebhooksConfig bounds the outbox queue and retry policy.
type WebhooksConfig struct {
	Targets     []WebhookTarget `toml:"Targets"`
	QueueSize   int             `toml:"QueueSize"`
	TTLSeconds  uint64          `toml:"TTLSeconds"`
	MaxAttempts int             `toml:"MaxAttempts"`
}

// ReconConfig schedules the nightly reconciliation run and its report output.
type ReconConfig struct {
	Enabled       bool   `toml:"Enabled"`
	Hour          int    `toml:"Hour"`
	Minute        int    `toml:"Minute"`
	Timezone      string `toml:"Timezone"`
	ReportDir     string `toml:"ReportDir"`
	RetentionDays int    `toml:"RetentionDays"`
	Parquet       bool   `toml:"Parquet"`
}

// PausesConfig seeds the operator pause switches at startup.
type PausesConfig struct {
	Distribution bool `toml:"Distribution"`
	Accrual      bool `toml:"Accrual"`
	Webhooks     bool `toml:"Webhooks"`
}
