// Package config holds the tunables of the orchestration core and the
// infrastructure around it. Defaults reproduce the reference constants; the
// fileloader and viperloader packages layer YAML files and ADDER_* environment
// variables on top of them.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/strategy"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/connector/simulated"
	progressreporter "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/progress_reporter"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/minio"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/otel"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendSQLite     = "sqlite"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendMinIO      = "minio"
	BackendNone       = "none"
)

// Config is the top-level configuration.
type Config struct {
	Service     string `yaml:"service" mapstructure:"service" validate:"required"`
	LogLevel    string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`

	Workers     WorkersConfig      `yaml:"workers" mapstructure:"workers"`
	Strategy    StrategyConfig     `yaml:"strategy" mapstructure:"strategy"`
	Sessions    SessionsConfig     `yaml:"sessions" mapstructure:"sessions"`
	Errors      ErrorsConfig       `yaml:"errors" mapstructure:"errors"`
	Storage     StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Archive     ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Kafka       KafkaConfig        `yaml:"kafka" mapstructure:"kafka"`
	Telemetry   otel.Config        `yaml:"telemetry" mapstructure:"telemetry"`
	Simulation  simulated.Config   `yaml:"simulation" mapstructure:"simulation"`
	Credentials []CredentialConfig `yaml:"credentials" mapstructure:"credentials" validate:"dive"`
}

// WorkersConfig bounds what a single worker may do.
type WorkersConfig struct {
	MaxMembersPerDay          int `yaml:"max_members_per_day" mapstructure:"max_members_per_day" validate:"gt=0"`
	MaxExtractionsPerDay      int `yaml:"max_extractions_per_day" mapstructure:"max_extractions_per_day" validate:"gt=0"`
	MaxFailuresBeforeCooldown int `yaml:"max_failures_before_cooldown" mapstructure:"max_failures_before_cooldown" validate:"gt=0"`
	CooldownHours             int `yaml:"cooldown_hours" mapstructure:"cooldown_hours" validate:"gte=0"`
}

// Limits converts the section into worker limits.
func (c WorkersConfig) Limits() worker.Limits {
	return worker.Limits{
		MaxAddsPerDay:             c.MaxMembersPerDay,
		MaxExtractionsPerDay:      c.MaxExtractionsPerDay,
		MaxFailuresBeforeCooldown: c.MaxFailuresBeforeCooldown,
		CooldownDuration:          time.Duration(c.CooldownHours) * time.Hour,
	}
}

// HourRange is an inclusive range of hours of the day.
type HourRange struct {
	From int `yaml:"from" mapstructure:"from" validate:"gte=0,lte=23"`
	To   int `yaml:"to" mapstructure:"to" validate:"gte=0,lte=23"`
}

// StrategyConfig tunes the scheduling strategies.
type StrategyConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind" validate:"oneof=sequential distributed"`

	MaxRetryCount        int           `yaml:"max_retry_count" mapstructure:"max_retry_count" validate:"gte=0"`
	DefaultDelay         time.Duration `yaml:"default_delay" mapstructure:"default_delay" validate:"gte=0"`
	MaxDelay             time.Duration `yaml:"max_delay" mapstructure:"max_delay" validate:"gtefield=DefaultDelay"`
	AccountChangeDelay   time.Duration `yaml:"account_change_delay" mapstructure:"account_change_delay" validate:"gte=0"`
	BatchSaveSize        int           `yaml:"batch_save_size" mapstructure:"batch_save_size" validate:"gt=0"`
	BatchSaveInterval    time.Duration `yaml:"batch_save_interval" mapstructure:"batch_save_interval" validate:"gt=0"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors" validate:"gt=0"`

	AccountsPerGroup             int           `yaml:"accounts_per_group" mapstructure:"accounts_per_group" validate:"gt=0"`
	MaxParallelPerGroup          int           `yaml:"max_parallel_per_group" mapstructure:"max_parallel_per_group" validate:"gt=0"`
	MaxExtractionBatch           int           `yaml:"max_extraction_batch" mapstructure:"max_extraction_batch" validate:"gt=0"`
	PairFailureThreshold         int           `yaml:"pair_failure_threshold" mapstructure:"pair_failure_threshold" validate:"gt=0"`
	GroupRotationIntervalMinutes int           `yaml:"group_rotation_interval_minutes" mapstructure:"group_rotation_interval_minutes" validate:"gt=0"`
	ReactivationTimeoutMinutes   int           `yaml:"reactivation_timeout_minutes" mapstructure:"reactivation_timeout_minutes" validate:"gte=0"`
	MonitorInterval              time.Duration `yaml:"monitor_interval" mapstructure:"monitor_interval" validate:"gt=0"`
	MinDelay                     time.Duration `yaml:"min_delay" mapstructure:"min_delay" validate:"gte=0"`
	MaxAdaptiveDelay             time.Duration `yaml:"max_adaptive_delay" mapstructure:"max_adaptive_delay" validate:"gtefield=MinDelay"`
	AdaptiveDelays               bool          `yaml:"adaptive_delays" mapstructure:"adaptive_delays"`
	PeakHours                    HourRange     `yaml:"peak_hours" mapstructure:"peak_hours"`
	OffPeakHours                 HourRange     `yaml:"off_peak_hours" mapstructure:"off_peak_hours"`

	ProgressInterval time.Duration `yaml:"progress_interval" mapstructure:"progress_interval" validate:"gt=0"`
}

// ToStrategy converts the section into strategy tuning.
func (c StrategyConfig) ToStrategy() strategy.Config {
	return strategy.Config{
		MaxRetry:             c.MaxRetryCount,
		DefaultDelay:         c.DefaultDelay,
		MaxDelay:             c.MaxDelay,
		AccountChangeDelay:   c.AccountChangeDelay,
		BatchSaveSize:        c.BatchSaveSize,
		BatchSaveInterval:    c.BatchSaveInterval,
		MaxConsecutiveErrors: c.MaxConsecutiveErrors,

		AccountsPerGroup:      c.AccountsPerGroup,
		MaxParallelPerGroup:   c.MaxParallelPerGroup,
		MaxExtractionBatch:    c.MaxExtractionBatch,
		PairFailureThreshold:  c.PairFailureThreshold,
		GroupRotationInterval: time.Duration(c.GroupRotationIntervalMinutes) * time.Minute,
		ReactivationTimeout:   time.Duration(c.ReactivationTimeoutMinutes) * time.Minute,
		MonitorInterval:       c.MonitorInterval,
		MinDelay:              c.MinDelay,
		MaxAdaptiveDelay:      c.MaxAdaptiveDelay,
		AdaptiveDelays:        c.AdaptiveDelays,
		PeakHours:             strategy.HourRange{From: c.PeakHours.From, To: c.PeakHours.To},
		OffPeakHours:          strategy.HourRange{From: c.OffPeakHours.From, To: c.OffPeakHours.To},

		ProgressInterval: c.ProgressInterval,
	}
}

// SessionsConfig tunes the operation state store.
type SessionsConfig struct {
	MaxActiveSessions int  `yaml:"max_active_sessions" mapstructure:"max_active_sessions" validate:"gt=0"`
	StateHistoryLimit int  `yaml:"state_history_limit" mapstructure:"state_history_limit" validate:"gt=0"`
	ArchiveAfterDays  int  `yaml:"archive_after_days" mapstructure:"archive_after_days" validate:"gte=0"`
	CompressArchives  bool `yaml:"compress_archives" mapstructure:"compress_archives"`
}

// ErrorsConfig tunes error statistics.
type ErrorsConfig struct {
	RecentErrorLimit int `yaml:"recent_error_limit" mapstructure:"recent_error_limit" validate:"gt=0"`
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	Backend     string `yaml:"backend" mapstructure:"backend" validate:"oneof=memory filesystem sqlite postgres redis"`
	Path        string `yaml:"path" mapstructure:"path" validate:"required_if=Backend filesystem"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	PostgresDSN string `yaml:"postgres_dsn" mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	RedisURL    string `yaml:"redis_url" mapstructure:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix string `yaml:"redis_prefix" mapstructure:"redis_prefix"`
}

// ArchiveConfig selects where archived sessions go.
type ArchiveConfig struct {
	Backend string       `yaml:"backend" mapstructure:"backend" validate:"oneof=none filesystem minio"`
	Path    string       `yaml:"path" mapstructure:"path" validate:"required_if=Backend filesystem"`
	MinIO   minio.Config `yaml:"minio" mapstructure:"minio"`
}

// KafkaConfig enables progress publishing.
type KafkaConfig struct {
	Enabled                      bool `yaml:"enabled" mapstructure:"enabled"`
	progressreporter.KafkaConfig `yaml:",inline" mapstructure:",squash"`
}

// CredentialConfig declares a worker credential to import into the pool.
// Payload values of the form ${NAME} are read from the environment.
type CredentialConfig struct {
	Key     string            `yaml:"key" mapstructure:"key" validate:"required"`
	Handle  string            `yaml:"handle" mapstructure:"handle"`
	Payload map[string]string `yaml:"payload" mapstructure:"payload"`
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	sc := strategy.DefaultConfig()
	limits := worker.DefaultLimits()

	return Config{
		Service:  "adder",
		LogLevel: "info",

		Workers: WorkersConfig{
			MaxMembersPerDay:          limits.MaxAddsPerDay,
			MaxExtractionsPerDay:      limits.MaxExtractionsPerDay,
			MaxFailuresBeforeCooldown: limits.MaxFailuresBeforeCooldown,
			CooldownHours:             int(limits.CooldownDuration / time.Hour),
		},
		Strategy: StrategyConfig{
			Kind:                 string(strategy.KindSequential),
			MaxRetryCount:        sc.MaxRetry,
			DefaultDelay:         sc.DefaultDelay,
			MaxDelay:             sc.MaxDelay,
			AccountChangeDelay:   sc.AccountChangeDelay,
			BatchSaveSize:        sc.BatchSaveSize,
			BatchSaveInterval:    sc.BatchSaveInterval,
			MaxConsecutiveErrors: sc.MaxConsecutiveErrors,

			AccountsPerGroup:             sc.AccountsPerGroup,
			MaxParallelPerGroup:          sc.MaxParallelPerGroup,
			MaxExtractionBatch:           sc.MaxExtractionBatch,
			PairFailureThreshold:         sc.PairFailureThreshold,
			GroupRotationIntervalMinutes: int(sc.GroupRotationInterval / time.Minute),
			ReactivationTimeoutMinutes:   int(sc.ReactivationTimeout / time.Minute),
			MonitorInterval:              sc.MonitorInterval,
			MinDelay:                     sc.MinDelay,
			MaxAdaptiveDelay:             sc.MaxAdaptiveDelay,
			AdaptiveDelays:               sc.AdaptiveDelays,
			PeakHours:                    HourRange{From: sc.PeakHours.From, To: sc.PeakHours.To},
			OffPeakHours:                 HourRange{From: sc.OffPeakHours.From, To: sc.OffPeakHours.To},

			ProgressInterval: sc.ProgressInterval,
		},
		Sessions: SessionsConfig{
			MaxActiveSessions: 50,
			StateHistoryLimit: 100,
			ArchiveAfterDays:  30,
			CompressArchives:  true,
		},
		Errors:  ErrorsConfig{RecentErrorLimit: 100},
		Storage: StorageConfig{Backend: BackendFilesystem, Path: "data", SQLitePath: "adder.db", RedisPrefix: "adder"},
		Archive: ArchiveConfig{Backend: BackendFilesystem, Path: "archive"},
		Kafka: KafkaConfig{KafkaConfig: progressreporter.KafkaConfig{
			Topic:    "adder.progress",
			ClientID: "adder",
		}},
		Telemetry:  otel.Config{ServiceName: "adder", Probability: 1},
		Simulation: simulated.DefaultConfig(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration and reports every violated constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		msgs := make([]error, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid config: %w", errors.Join(msgs...))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("invalid config: kafka is enabled but no brokers are set")
	}
	if c.Archive.Backend == BackendMinIO && c.Archive.MinIO.Endpoint == "" {
		return errors.New("invalid config: minio archive requires an endpoint")
	}
	return nil
}
