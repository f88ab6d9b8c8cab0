// Package config loads service configuration. Values come from an optional
// YAML file, overridden by ACUITY_* environment variables, falling back to
// defaults. Load reports every problem at once.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. The variable name is the
// prefix plus the upper-cased file key, e.g. ACUITY_LOG_LEVEL.
const EnvPrefix = "ACUITY_"

// Config holds service configuration.
type Config struct {
	Env       string `koanf:"env"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	PoliciesFile string `koanf:"policies_file"`

	AuditDriver string `koanf:"audit_driver"`
	AuditDSN    string `koanf:"audit_dsn"`

	ArtifactBackend  string `koanf:"artifact_backend"`
	ArtifactDir      string `koanf:"artifact_dir"`
	ArtifactBucket   string `koanf:"artifact_bucket"`
	ArtifactRegion   string `koanf:"artifact_region"`
	ArtifactEndpoint string `koanf:"artifact_endpoint"`
	ArtifactPrefix   string `koanf:"artifact_prefix"`

	RedisAddr     string        `koanf:"redis_addr"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	LeaseTTL      time.Duration `koanf:"lease_ttl"`

	CrisisWebhookEnabled  bool          `koanf:"crisis_webhook_enabled"`
	CrisisRatePerMinute   int           `koanf:"crisis_rate_per_minute"`
	CrisisDispatchTimeout time.Duration `koanf:"crisis_dispatch_timeout"`

	OTelEnabled    bool    `koanf:"otel_enabled"`
	OTelEndpoint   string  `koanf:"otel_endpoint"`
	OTelInsecure   bool    `koanf:"otel_insecure"`
	OTelSampleRate float64 `koanf:"otel_sample_rate"`
	ServiceName    string  `koanf:"service_name"`
}

var (
	ErrInvalidValue     = errors.New("invalid configuration value")
	ErrUnknownLogLevel  = errors.New("ACUITY_LOG_LEVEL must be one of DEBUG, INFO, WARN, ERROR")
	ErrUnknownLogFormat = errors.New("ACUITY_LOG_FORMAT must be json or text")
	ErrUnknownDriver    = errors.New("ACUITY_AUDIT_DRIVER must be sqlite or postgres")
	ErrMissingAuditDSN  = errors.New("ACUITY_AUDIT_DSN is required when an audit driver is set")
	ErrUnknownBackend   = errors.New("ACUITY_ARTIFACT_BACKEND must be fs, s3 or gcs")
	ErrMissingBucket    = errors.New("ACUITY_ARTIFACT_BUCKET is required for s3 and gcs")
	ErrSweepInterval    = errors.New("ACUITY_SWEEP_INTERVAL must be positive")
	ErrLeaseTTL         = errors.New("ACUITY_LEASE_TTL must be at least 3s")
	ErrCrisisRate       = errors.New("ACUITY_CRISIS_RATE_PER_MINUTE must be positive")
	ErrSampleRate       = errors.New("ACUITY_OTEL_SAMPLE_RATE must be within [0, 1]")
)

const (
	DefaultEnv                   = "development"
	DefaultLogLevel              = "INFO"
	DefaultLogFormat             = "json"
	DefaultPoliciesFile          = "configs/partner_policies.yaml"
	DefaultArtifactBackend       = "fs"
	DefaultArtifactDir           = "data/evidence"
	DefaultSweepInterval         = 15 * time.Second
	DefaultLeaseTTL              = 45 * time.Second
	MinLeaseTTL                  = 3 * time.Second
	DefaultCrisisRatePerMinute   = 30
	DefaultCrisisDispatchTimeout = 10 * time.Second
	DefaultOTelEndpoint          = "localhost:4317"
	DefaultOTelSampleRate        = 1.0
	DefaultServiceName           = "acuitybridge"
)

// loader resolves one key from env, then file, then default, collecting
// parse errors as it goes.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

func envName(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

func (l *loader) str(key, def string) string {
	if v := os.Getenv(envName(key)); v != "" {
		return v
	}
	if v := l.k.String(key); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	if v := os.Getenv(envName(key)); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s must be an integer: %w", envName(key), ErrInvalidValue))
			return def
		}
		return i
	}
	if l.k.Exists(key) {
		return l.k.Int(key)
	}
	return def
}

func (l *loader) float(key string, def float64) float64 {
	if v := os.Getenv(envName(key)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("%s must be a number: %w", envName(key), ErrInvalidValue))
			return def
		}
		return f
	}
	if l.k.Exists(key) {
		return l.k.Float64(key)
	}
	return def
}

func (l *loader) boolean(key string, def bool) bool {
	if v := os.Getenv(envName(key)); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
		l.errs = append(l.errs, fmt.Errorf("%s must be a boolean: %w", envName(key), ErrInvalidValue))
		return def
	}
	if l.k.Exists(key) {
		return l.k.Bool(key)
	}
	return def
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(envName(key))
	if raw == "" {
		raw = l.k.String(key)
	}
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s must be a duration: %w", envName(key), ErrInvalidValue))
		return def
	}
	return d
}

// Load reads configFilePath (optional) and the environment. The returned
// errors include both parse failures and Validate findings.
func Load(configFilePath string) (*Config, []error) {
	l := &loader{k: koanf.New(".")}
	if configFilePath != "" {
		if err := l.k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	cfg := &Config{
		Env:       l.str("env", DefaultEnv),
		LogLevel:  strings.ToUpper(l.str("log_level", DefaultLogLevel)),
		LogFormat: strings.ToLower(l.str("log_format", DefaultLogFormat)),

		PoliciesFile: l.str("policies_file", DefaultPoliciesFile),

		AuditDriver: l.str("audit_driver", ""),
		AuditDSN:    l.str("audit_dsn", ""),

		ArtifactBackend:  l.str("artifact_backend", DefaultArtifactBackend),
		ArtifactDir:      l.str("artifact_dir", DefaultArtifactDir),
		ArtifactBucket:   l.str("artifact_bucket", ""),
		ArtifactRegion:   l.str("artifact_region", ""),
		ArtifactEndpoint: l.str("artifact_endpoint", ""),
		ArtifactPrefix:   l.str("artifact_prefix", ""),

		RedisAddr:     l.str("redis_addr", ""),
		SweepInterval: l.duration("sweep_interval", DefaultSweepInterval),
		LeaseTTL:      l.duration("lease_ttl", DefaultLeaseTTL),

		CrisisWebhookEnabled:  l.boolean("crisis_webhook_enabled", false),
		CrisisRatePerMinute:   l.integer("crisis_rate_per_minute", DefaultCrisisRatePerMinute),
		CrisisDispatchTimeout: l.duration("crisis_dispatch_timeout", DefaultCrisisDispatchTimeout),

		OTelEnabled:    l.boolean("otel_enabled", false),
		OTelEndpoint:   l.str("otel_endpoint", DefaultOTelEndpoint),
		OTelInsecure:   l.boolean("otel_insecure", true),
		OTelSampleRate: l.float("otel_sample_rate", DefaultOTelSampleRate),
		ServiceName:    l.str("service_name", DefaultServiceName),
	}

	return cfg, append(l.errs, cfg.Validate()...)
}

// Validate returns every problem with c.
func (c *Config) Validate() []error {
	var errs []error

	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, ErrUnknownLogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, ErrUnknownLogFormat)
	}

	switch c.AuditDriver {
	case "":
	case "sqlite", "postgres":
		if c.AuditDSN == "" {
			errs = append(errs, ErrMissingAuditDSN)
		}
	default:
		errs = append(errs, ErrUnknownDriver)
	}

	switch c.ArtifactBackend {
	case "fs":
	case "s3", "gcs":
		if c.ArtifactBucket == "" {
			errs = append(errs, ErrMissingBucket)
		}
	default:
		errs = append(errs, ErrUnknownBackend)
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, ErrSweepInterval)
	}
	if c.LeaseTTL < MinLeaseTTL {
		errs = append(errs, ErrLeaseTTL)
	}
	if c.CrisisRatePerMinute <= 0 {
		errs = append(errs, ErrCrisisRate)
	}
	if c.OTelSampleRate < 0 || c.OTelSampleRate > 1 {
		errs = append(errs, ErrSampleRate)
	}
	return errs
}
