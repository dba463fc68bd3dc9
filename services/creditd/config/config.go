package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"credx/crypto"
	"credx/observability/logging"
)

const (
	defaultListen         = ":7080"
	defaultHealthListen   = ":7081"
	defaultNodeConfig     = "config.toml"
	defaultSecretEnv      = "CREDX_JWT_SECRET"
	defaultKeeperInterval = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultAppendTimeout  = 5 * time.Second

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the credit daemon.
type Config struct {
	ListenAddress  string          `yaml:"listen"`
	HealthListen   string          `yaml:"health_listen"`
	NodeConfig     string          `yaml:"node_config"`
	RequestTimeout Duration        `yaml:"request_timeout"`
	Auth           AuthConfig      `yaml:"auth"`
	Keeper         KeeperConfig    `yaml:"keeper"`
	Journal        JournalConfig   `yaml:"journal"`
	Export         ExportConfig    `yaml:"export"`
	Log            LogConfig       `yaml:"log"`
	Telemetry      TelemetryConfig `yaml:"telemetry"`
}

// AuthConfig configures HS256 bearer-token verification.
type AuthConfig struct {
	Secret    string   `yaml:"secret"`
	SecretEnv string   `yaml:"secret_env"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// KeeperConfig drives the periodic AutoRepay sweep.
type KeeperConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Interval      Duration `yaml:"interval"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
	Relayer       string   `yaml:"relayer"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver        string   `yaml:"driver"`
	DSN           string   `yaml:"dsn"`
	AppendTimeout Duration `yaml:"append_timeout"`
}

// ExportConfig controls where loan snapshots are written.
type ExportConfig struct {
	Directory string `yaml:"directory"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level string             `yaml:"level"`
	File  logging.FileConfig `yaml:"file"`
}

// TelemetryConfig tunes trace sampling; exporters come from OTEL_* env vars.
type TelemetryConfig struct {
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolveSecret returns the literal secret or, when unset, the value of the
// configured environment variable.
func (cfg AuthConfig) ResolveSecret() string {
	if secret := strings.TrimSpace(cfg.Secret); secret != "" {
		return secret
	}
	return strings.TrimSpace(os.Getenv(cfg.SecretEnv))
}

// RelayerAddress decodes the keeper relayer identity.
func (cfg KeeperConfig) RelayerAddress() (crypto.Address, error) {
	if cfg.Relayer == "" {
		return crypto.Address{}, fmt.Errorf("relayer required")
	}
	return crypto.DecodeAddress(cfg.Relayer)
}

// LogAttrs describes the resolved configuration for the startup log. The
// auth secret and journal credentials are masked.
func (cfg Config) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("listen", cfg.ListenAddress),
		slog.String("health_listen", cfg.HealthListen),
		slog.String("node_config", cfg.NodeConfig),
		slog.Duration("request_timeout", cfg.RequestTimeout.Duration),
		logging.MaskField("auth_secret", cfg.Auth.Secret),
		slog.String("auth_secret_env", cfg.Auth.SecretEnv),
		logging.MaskField("auth_issuer", cfg.Auth.Issuer),
		logging.MaskField("auth_audience", cfg.Auth.Audience),
		slog.Bool("keeper_enabled", cfg.Keeper.Enabled),
		logging.MaskField("relayer", cfg.Keeper.Relayer),
		slog.String("journal_driver", cfg.Journal.Driver),
		logging.MaskField("journal_dsn", logging.MaskDSN(cfg.Journal.DSN)),
		slog.String("export_dir", cfg.Export.Directory),
		slog.String("log_level", cfg.Log.Level),
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.HealthListen = strings.TrimSpace(cfg.HealthListen)
	if cfg.HealthListen == "" {
		cfg.HealthListen = defaultHealthListen
	}
	cfg.NodeConfig = strings.TrimSpace(cfg.NodeConfig)
	if cfg.NodeConfig == "" {
		cfg.NodeConfig = defaultNodeConfig
	}
	if cfg.RequestTimeout.Duration <= 0 {
		cfg.RequestTimeout.Duration = defaultRequestTimeout
	}

	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	cfg.Auth.SecretEnv = strings.TrimSpace(cfg.Auth.SecretEnv)
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = defaultSecretEnv
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}

	cfg.Keeper.Relayer = strings.TrimSpace(cfg.Keeper.Relayer)
	if cfg.Keeper.Interval.Duration <= 0 {
		cfg.Keeper.Interval.Duration = defaultKeeperInterval
	}
	if cfg.Keeper.RatePerSecond <= 0 {
		cfg.Keeper.RatePerSecond = 5
	}
	if cfg.Keeper.Burst <= 0 {
		cfg.Keeper.Burst = 1
	}

	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = DriverSQLite
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == DriverSQLite {
		cfg.Journal.DSN = "creditd-journal.db"
	}
	if cfg.Journal.AppendTimeout.Duration <= 0 {
		cfg.Journal.AppendTimeout.Duration = defaultAppendTimeout
	}

	cfg.Export.Directory = strings.TrimSpace(cfg.Export.Directory)
	if cfg.Export.Directory == "" {
		cfg.Export.Directory = "exports"
	}
	cfg.Log.Level = strings.TrimSpace(cfg.Log.Level)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.ListenAddress == cfg.HealthListen {
		return fmt.Errorf("health_listen must differ from listen")
	}
	if cfg.Auth.ResolveSecret() == "" {
		return fmt.Errorf("auth: secret or %s must be set", cfg.Auth.SecretEnv)
	}
	if cfg.Keeper.Enabled {
		if _, err := cfg.Keeper.RelayerAddress(); err != nil {
			return fmt.Errorf("keeper: %w", err)
		}
	}
	switch cfg.Journal.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.DSN == "" {
		return fmt.Errorf("journal: dsn required for %s", cfg.Journal.Driver)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	return nil
}
