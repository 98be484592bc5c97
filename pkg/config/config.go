// Package config loads pipeline configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables prefixed ACGS_ (ACGS_DETECTOR_THRESHOLD -> detector.threshold)
//  2. YAML config file
//  3. Defaults
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/dislovemartin/ACGS-sub005/pkg/artifacts"
	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/observability"
)

const (
	envPrefix         = "ACGS_"
	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Config holds the whole pipeline configuration.
type Config struct {
	Detector      DetectorConfig       `koanf:"detector" yaml:"detector"`
	Resolution    ResolutionConfig     `koanf:"resolution" yaml:"resolution"`
	Escalation    EscalationConfig     `koanf:"escalation" yaml:"escalation"`
	Orchestrator  OrchestratorConfig   `koanf:"orchestrator" yaml:"orchestrator"`
	Audit         AuditConfig          `koanf:"audit" yaml:"audit"`
	Store         StoreConfig          `koanf:"store" yaml:"store"`
	Lock          LockConfig           `koanf:"lock" yaml:"lock"`
	Notify        NotifyConfig         `koanf:"notify" yaml:"notify"`
	Scoring       ScoringConfig        `koanf:"scoring" yaml:"scoring"`
	Archive       artifacts.Config     `koanf:"archive" yaml:"archive"`
	Observability observability.Config `koanf:"observability" yaml:"observability"`
	Log           LogConfig            `koanf:"log" yaml:"log"`
}

// DetectorConfig configures the conflict detector.
type DetectorConfig struct {
	Threshold      float64 `koanf:"threshold" yaml:"threshold"`
	ExtendedPasses bool    `koanf:"extended_passes" yaml:"extended_passes"`
}

// ResolutionConfig configures the resolution engine.
type ResolutionConfig struct {
	AutoResolutionThreshold float64 `koanf:"auto_resolution_threshold" yaml:"auto_resolution_threshold"`
	// SuccessRates overrides historical strategy success rates by strategy name.
	SuccessRates map[string]float64 `koanf:"success_rates" yaml:"success_rates"`
}

// EscalationConfig configures the escalation system.
type EscalationConfig struct {
	MonitorInterval time.Duration `koanf:"monitor_interval" yaml:"monitor_interval"`
	// RulePack is an optional YAML file with CEL rules and extra patterns.
	RulePack string `koanf:"rule_pack" yaml:"rule_pack"`
}

// OrchestratorConfig configures scheduling and retries.
type OrchestratorConfig struct {
	Workers               int           `koanf:"workers" yaml:"workers"`
	QueueSize             int           `koanf:"queue_size" yaml:"queue_size"`
	MaxResolutionAttempts int           `koanf:"max_resolution_attempts" yaml:"max_resolution_attempts"`
	PerAttemptTimeout     time.Duration `koanf:"per_attempt_timeout" yaml:"per_attempt_timeout"`
	VersionRetries        int           `koanf:"version_retries" yaml:"version_retries"`
	AutoResolveConfidence float64       `koanf:"auto_resolve_confidence" yaml:"auto_resolve_confidence"`
}

// Audit log backends.
const (
	AuditBackendMemory = "memory"
	AuditBackendFile   = "file"
	AuditBackendSQL    = "sql"
)

// AuditConfig selects the audit log backend. The sql backend shares the
// store's database.
type AuditConfig struct {
	Backend   string `koanf:"backend" yaml:"backend"`
	Path      string `koanf:"path" yaml:"path"`
	QueueSize int    `koanf:"queue_size" yaml:"queue_size"`
}

// Conflict store drivers.
const (
	StoreDriverMemory   = "memory"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// StoreConfig selects the conflict record store.
type StoreConfig struct {
	Driver string `koanf:"driver" yaml:"driver"`
	DSN    string `koanf:"dsn" yaml:"dsn"`
}

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// LockConfig selects the per-conflict lock.
type LockConfig struct {
	Backend       string        `koanf:"backend" yaml:"backend"`
	RedisAddr     string        `koanf:"redis_addr" yaml:"redis_addr"`
	RedisPassword string        `koanf:"redis_password" yaml:"redis_password"`
	RedisDB       int           `koanf:"redis_db" yaml:"redis_db"`
	TTL           time.Duration `koanf:"ttl" yaml:"ttl"`
}

// NotifyConfig configures notification channels. The log channel is always
// registered; webhook and nats register when their target is set.
type NotifyConfig struct {
	Timeout           time.Duration `koanf:"timeout" yaml:"timeout"`
	WebhookURL        string        `koanf:"webhook_url" yaml:"webhook_url"`
	WebhookRateLimit  float64       `koanf:"webhook_rate_limit" yaml:"webhook_rate_limit"`
	WebhookAuthHeader string        `koanf:"webhook_auth_header" yaml:"webhook_auth_header"`
	NATSURL           string        `koanf:"nats_url" yaml:"nats_url"`
	NATSSubject       string        `koanf:"nats_subject" yaml:"nats_subject"`
}

// Scorer backends.
const (
	ScorerLexical = "lexical"
	ScorerHTTP    = "http"
)

// ScoringConfig selects the similarity scorer.
type ScoringConfig struct {
	Backend           string        `koanf:"backend" yaml:"backend"`
	URL               string        `koanf:"url" yaml:"url"`
	Timeout           time.Duration `koanf:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second" yaml:"requests_per_second"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"` // "text" | "json"
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Detector:   DetectorConfig{Threshold: 0.7},
		Resolution: ResolutionConfig{AutoResolutionThreshold: 0.8},
		Escalation: EscalationConfig{MonitorInterval: 30 * time.Second},
		Orchestrator: OrchestratorConfig{
			Workers:               4,
			QueueSize:             64,
			MaxResolutionAttempts: 3,
			PerAttemptTimeout:     30 * time.Second,
			VersionRetries:        3,
			AutoResolveConfidence: 0.8,
		},
		Audit:         AuditConfig{Backend: AuditBackendMemory, QueueSize: 64},
		Store:         StoreConfig{Driver: StoreDriverMemory},
		Lock:          LockConfig{Backend: LockBackendMemory, TTL: 2 * time.Minute},
		Notify:        NotifyConfig{Timeout: 5 * time.Second, NATSSubject: "acgs.escalations"},
		Scoring:       ScoringConfig{Backend: ScorerLexical, Timeout: 5 * time.Second},
		Observability: *observability.DefaultConfig(),
		Log:           LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads defaults, then the YAML file at path (if non-empty), then
// ACGS_ environment variables, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// ACGS_DETECTOR_THRESHOLD -> detector.threshold
	// ACGS_ORCHESTRATOR_MAX_RESOLUTION_ATTEMPTS -> orchestrator.max_resolution_attempts
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey splits on the first underscore after the prefix: the section, then
// the field name with its underscores kept.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return io.ReadAll(f)
}

// Validate rejects out-of-range values and unknown backends.
func (c *Config) Validate() error {
	const op = "config.Validate"
	invalid := func(format string, args ...any) error {
		return contracts.E(contracts.KindValidationFailure, op, format, args...)
	}

	if c.Detector.Threshold <= 0 || c.Detector.Threshold > 1 {
		return invalid("detector.threshold must be in (0,1], got %v", c.Detector.Threshold)
	}
	if c.Resolution.AutoResolutionThreshold <= 0 || c.Resolution.AutoResolutionThreshold > 1 {
		return invalid("resolution.auto_resolution_threshold must be in (0,1], got %v", c.Resolution.AutoResolutionThreshold)
	}
	for name, rate := range c.Resolution.SuccessRates {
		if rate < 0 || rate > 1 {
			return invalid("resolution.success_rates.%s must be in [0,1], got %v", name, rate)
		}
	}
	if c.Orchestrator.AutoResolveConfidence < 0 || c.Orchestrator.AutoResolveConfidence > 1 {
		return invalid("orchestrator.auto_resolve_confidence must be in [0,1], got %v", c.Orchestrator.AutoResolveConfidence)
	}
	if c.Orchestrator.Workers < 1 {
		return invalid("orchestrator.workers must be at least 1")
	}
	if c.Orchestrator.MaxResolutionAttempts < 1 {
		return invalid("orchestrator.max_resolution_attempts must be at least 1")
	}
	if c.Orchestrator.VersionRetries < 1 {
		return invalid("orchestrator.version_retries must be at least 1")
	}
	if c.Orchestrator.PerAttemptTimeout <= 0 {
		return invalid("orchestrator.per_attempt_timeout must be positive")
	}
	if c.Escalation.MonitorInterval <= 0 {
		return invalid("escalation.monitor_interval must be positive")
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverSQLite, StoreDriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return invalid("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Audit.Backend {
	case AuditBackendMemory:
	case AuditBackendFile:
		if c.Audit.Path == "" {
			return invalid("audit.path is required for the file backend")
		}
	case AuditBackendSQL:
		if c.Store.Driver == StoreDriverMemory {
			return invalid("audit.backend sql needs a sql store.driver")
		}
	default:
		return invalid("unknown audit.backend %q", c.Audit.Backend)
	}

	switch c.Lock.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Lock.RedisAddr == "" {
			return invalid("lock.redis_addr is required for the redis backend")
		}
	default:
		return invalid("unknown lock.backend %q", c.Lock.Backend)
	}

	switch c.Scoring.Backend {
	case ScorerLexical:
	case ScorerHTTP:
		if c.Scoring.URL == "" {
			return invalid("scoring.url is required for the http backend")
		}
	default:
		return invalid("unknown scoring.backend %q", c.Scoring.Backend)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the slog logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
