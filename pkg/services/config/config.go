package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/de-tools/health-audit/pkg/services/audit/archive"
	"github.com/de-tools/health-audit/pkg/services/audit/scoring"
	"github.com/de-tools/health-audit/pkg/services/schedule"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "AUDIT"

const (
	LockMemory = "memory"
	LockClaim  = "claim"
)

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Path    string `mapstructure:"path"`
	Threads int    `mapstructure:"threads"`
}

type ArchiveConfig struct {
	Dir string             `mapstructure:"dir"`
	S3  archive.S3Settings `mapstructure:"s3"`
}

type EngineConfig struct {
	Environment         string                 `mapstructure:"environment"`
	Revision            string                 `mapstructure:"revision"`
	RunTimeout          time.Duration          `mapstructure:"run_timeout"`
	ScannerTimeout      time.Duration          `mapstructure:"scanner_timeout"`
	NeutralDefault      float64                `mapstructure:"neutral_default"`
	Weights             map[string]float64     `mapstructure:"weights"`
	Thresholds          scoring.RiskThresholds `mapstructure:"thresholds"`
	RegressionThreshold float64                `mapstructure:"regression_threshold"`
	RegressionWindow    int                    `mapstructure:"regression_window"`
	Lock                string                 `mapstructure:"lock"`
	LockLease           time.Duration          `mapstructure:"lock_lease"`
}

type ScheduleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval string        `mapstructure:"interval"`
	Tick     time.Duration `mapstructure:"tick"`
	Tenants  []string      `mapstructure:"tenants"`
}

type RetentionConfig struct {
	Days int `mapstructure:"days"`
}

type RateLimitConfig struct {
	PerHour int `mapstructure:"per_hour"`
	Burst   int `mapstructure:"burst"`
}

// TokenConfig maps a static bearer token to a principal.
type TokenConfig struct {
	Token     string `mapstructure:"token"`
	Principal string `mapstructure:"principal"`
	Tenant    string `mapstructure:"tenant"`
	Trigger   bool   `mapstructure:"trigger"`
	Read      bool   `mapstructure:"read"`
}

type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens"`
}

type DataSourcesConfig struct {
	Path string `mapstructure:"path"`
}

type ChecksConfig struct {
	Path string `mapstructure:"path"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Auth        AuthConfig        `mapstructure:"auth"`
	DataSources DataSourcesConfig `mapstructure:"data_sources"`
	Checks      ChecksConfig      `mapstructure:"checks"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.path", "audit.duckdb")
	v.SetDefault("store.threads", 4)

	v.SetDefault("archive.dir", "reports")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.profile", "")
	v.SetDefault("archive.s3.region", archive.DefaultRegion)

	defaults := scoring.DefaultSettings()
	v.SetDefault("engine.environment", "development")
	v.SetDefault("engine.revision", "")
	v.SetDefault("engine.run_timeout", 2*time.Minute)
	v.SetDefault("engine.scanner_timeout", 30*time.Second)
	v.SetDefault("engine.neutral_default", 0.5)
	v.SetDefault("engine.thresholds.low", defaults.Thresholds.Low)
	v.SetDefault("engine.thresholds.medium", defaults.Thresholds.Medium)
	v.SetDefault("engine.thresholds.high", defaults.Thresholds.High)
	v.SetDefault("engine.regression_threshold", 0.5)
	v.SetDefault("engine.regression_window", 10)
	v.SetDefault("engine.lock", LockMemory)
	v.SetDefault("engine.lock_lease", 15*time.Minute)

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval", "@daily")
	v.SetDefault("schedule.tick", time.Minute)
	v.SetDefault("schedule.tenants", []string{})

	v.SetDefault("retention.days", 90)

	v.SetDefault("rate_limit.per_hour", 2)
	v.SetDefault("rate_limit.burst", 2)

	v.SetDefault("data_sources.path", "datasources.ini")
	v.SetDefault("checks.path", "checks.yaml")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Engine.Weights) == 0 {
		cfg.Engine.Weights = make(map[string]float64)
		for dim, w := range scoring.DefaultSettings().Weights {
			cfg.Engine.Weights[string(dim)] = w
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the YAML file at path, overlaid by AUDIT_* environment variables. An empty
// path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// Watch loads the config and calls onChange with every valid revision written to path
// afterwards. Invalid revisions are passed to onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}

// ScoringSettings converts the engine section for scoring.NewEngine.
func (c *Config) ScoringSettings() (scoring.Settings, error) {
	weights := make(map[domain.Dimension]float64, len(c.Engine.Weights))
	for name, w := range c.Engine.Weights {
		dim, err := domain.ParseDimension(name)
		if err != nil {
			return scoring.Settings{}, fmt.Errorf("engine.weights: %w", err)
		}
		weights[dim] = w
	}
	return scoring.Settings{Weights: weights, Thresholds: c.Engine.Thresholds}, nil
}

func (c *Config) Validate() error {
	settings, err := c.ScoringSettings()
	if err != nil {
		return err
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Engine.RunTimeout <= 0 || c.Engine.ScannerTimeout <= 0 {
		return fmt.Errorf("engine: run_timeout and scanner_timeout must be positive")
	}
	if c.Engine.NeutralDefault < 0 || c.Engine.NeutralDefault >= 1 {
		return fmt.Errorf("engine: neutral_default must be within [0, 1)")
	}
	if c.Engine.RegressionThreshold < 0 {
		return fmt.Errorf("engine: regression_threshold must be non-negative")
	}
	if c.Engine.Lock != LockMemory && c.Engine.Lock != LockClaim {
		return fmt.Errorf("engine: lock must be %q or %q, got %q", LockMemory, LockClaim, c.Engine.Lock)
	}
	if _, err := schedule.ParseInterval(c.Schedule.Interval); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention: days must be positive")
	}
	if c.RateLimit.PerHour <= 0 {
		return fmt.Errorf("rate_limit: per_hour must be positive")
	}
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.Principal == "" || t.Tenant == "" {
			return fmt.Errorf("auth.tokens[%d]: token, principal and tenant are required", i)
		}
	}
	return nil
}
