// Package config loads runtime configuration from SANCTUARY_* environment
// variables and an optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Fallback behaviours applied when a safety check cannot complete.
const (
	FallbackSafeDefault        = "safe_default"
	FallbackReducedIntensity   = "reduced_intensity"
	FallbackAlternativeContent = "alternative_content"
	FallbackSessionPause       = "session_pause"
)

// Profile backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ArchiveConfig selects where generated reports are archived.
type ArchiveConfig struct {
	Type     string `env:"TYPE"     envDefault:"fs"`
	Dir      string `env:"DIR"      envDefault:"data/reports"`
	Bucket   string `env:"BUCKET"`
	Prefix   string `env:"PREFIX"`
	Region   string `env:"REGION"   envDefault:"us-east-1"`
	Endpoint string `env:"ENDPOINT"`
}

// Config is the process configuration.
type Config struct {
	LogLevel  string `env:"SANCTUARY_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"SANCTUARY_LOG_FORMAT" envDefault:"text"`

	CheckpointInterval    time.Duration `env:"SANCTUARY_CHECKPOINT_INTERVAL"     envDefault:"30s"`
	TimeoutSweepInterval  time.Duration `env:"SANCTUARY_TIMEOUT_SWEEP_INTERVAL"  envDefault:"60s"`
	SessionTimeoutMinutes int           `env:"SANCTUARY_SESSION_TIMEOUT_MINUTES" envDefault:"120"`
	TimeoutPaused         bool          `env:"SANCTUARY_TIMEOUT_PAUSED"          envDefault:"true"`
	SessionRetention      time.Duration `env:"SANCTUARY_SESSION_RETENTION"       envDefault:"24h"`

	RiskCeiling      string        `env:"SANCTUARY_RISK_CEILING"      envDefault:"high"`
	MaxWorkers       int64         `env:"SANCTUARY_MAX_WORKERS"       envDefault:"32"`
	CallTimeout      time.Duration `env:"SANCTUARY_CALL_TIMEOUT"      envDefault:"2s"`
	FallbackBehavior string        `env:"SANCTUARY_FALLBACK_BEHAVIOR" envDefault:"safe_default"`

	ProfileBackend string `env:"SANCTUARY_PROFILE_BACKEND" envDefault:"memory"`
	DatabaseURL    string `env:"SANCTUARY_DATABASE_URL"`
	RedisAddr      string `env:"SANCTUARY_REDIS_ADDR"      envDefault:"localhost:6379"`
	RedisPassword  string `env:"SANCTUARY_REDIS_PASSWORD"`
	RedisDB        int    `env:"SANCTUARY_REDIS_DB"        envDefault:"0"`
	ProfileSeed    string `env:"SANCTUARY_PROFILE_SEED"`
	AuditDB        string `env:"SANCTUARY_AUDIT_DB"`

	Archive ArchiveConfig `envPrefix:"SANCTUARY_ARCHIVE_"`

	OTelEnabled  bool   `env:"SANCTUARY_OTEL_ENABLED"  envDefault:"false"`
	OTelEndpoint string `env:"SANCTUARY_OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool   `env:"SANCTUARY_OTEL_INSECURE" envDefault:"false"`

	HTTPAddr  string  `env:"SANCTUARY_HTTP_ADDR"  envDefault:":8080"`
	HTTPRPS   float64 `env:"SANCTUARY_HTTP_RPS"   envDefault:"20"`
	HTTPBurst int     `env:"SANCTUARY_HTTP_BURST" envDefault:"40"`

	PolicyFile string `env:"SANCTUARY_POLICY_FILE"`

	// Policy is populated by Load from PolicyFile, or the built-in default.
	Policy Policy `env:"-"`
}

// Load reads the environment, applies defaults, loads the policy file and
// validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	policy, err := LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	if cfg.ProfileSeed == "" {
		cfg.ProfileSeed = policy.ProfileSeeds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SessionTimeout returns the inactivity timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// Ceiling returns the parsed session risk ceiling.
func (c *Config) Ceiling() contracts.RiskLevel {
	lvl, err := contracts.ParseRiskLevel(c.RiskCeiling)
	if err != nil {
		return contracts.RiskHigh
	}
	return lvl
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("SANCTUARY_CHECKPOINT_INTERVAL must be positive"))
	}
	if c.TimeoutSweepInterval <= 0 {
		errs = append(errs, errors.New("SANCTUARY_TIMEOUT_SWEEP_INTERVAL must be positive"))
	}
	if c.SessionTimeoutMinutes <= 0 {
		errs = append(errs, errors.New("SANCTUARY_SESSION_TIMEOUT_MINUTES must be positive"))
	}
	if _, err := contracts.ParseRiskLevel(c.RiskCeiling); err != nil {
		errs = append(errs, fmt.Errorf("SANCTUARY_RISK_CEILING: %w", err))
	}
	if c.MaxWorkers <= 0 {
		errs = append(errs, errors.New("SANCTUARY_MAX_WORKERS must be positive"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("SANCTUARY_CALL_TIMEOUT must be positive"))
	}
	switch c.FallbackBehavior {
	case FallbackSafeDefault, FallbackReducedIntensity, FallbackAlternativeContent, FallbackSessionPause:
	default:
		errs = append(errs, fmt.Errorf("SANCTUARY_FALLBACK_BEHAVIOR: unknown behaviour %q", c.FallbackBehavior))
	}
	switch c.ProfileBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("SANCTUARY_DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("SANCTUARY_REDIS_ADDR is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SANCTUARY_PROFILE_BACKEND: unknown backend %q", c.ProfileBackend))
	}
	switch c.Archive.Type {
	case "fs":
	case "s3", "gcs":
		if c.Archive.Bucket == "" {
			errs = append(errs, fmt.Errorf("SANCTUARY_ARCHIVE_BUCKET is required for %s", c.Archive.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("SANCTUARY_ARCHIVE_TYPE: unknown type %q", c.Archive.Type))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("SANCTUARY_LOG_FORMAT: unknown format %q", c.LogFormat))
	}
	if c.HTTPRPS <= 0 || c.HTTPBurst <= 0 {
		errs = append(errs, errors.New("SANCTUARY_HTTP_RPS and SANCTUARY_HTTP_BURST must be positive"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
