package config

import (
	"time"
)

// HardConcurrencyCap is the absolute ceiling on total concurrency. Forced
// values above it are clamped with a warning rather than rejected.
const HardConcurrencyCap = 150

// Config is the umbrella configuration object returned by Initialize and
// threaded through every component at boot.
type Config struct {
	// AppEnv is the raw APP_ENV value; Profile is the timeout profile
	// derived from it.
	AppEnv  string
	Profile TimeoutProfile

	Pipeline   *PipelineConfig
	Pool       *PoolConfig
	Monitor    *MonitorConfig
	Health     *HealthConfig
	Redis      *RedisConfig
	SQLite     *SQLiteConfig
	Neo4j      *Neo4jConfig
	LLM        *LLMConfig
	Cache      *CacheConfig
	API        *APIConfig
	Outbox     *OutboxConfig
	Benchmarks *BenchmarkConfig
	Retention  *RetentionConfig

	Timeouts *TimeoutRegistry
	Stages   *StageRegistry
}

// PipelineConfig controls run-wide coordinator behavior.
type PipelineConfig struct {
	// TargetDirectory is the root the producer scans for source files.
	TargetDirectory string

	// MaxFailureRate aborts the run when critical failures exceed this
	// fraction of started jobs within FailureWindow.
	MaxFailureRate float64
	FailureWindow  time.Duration

	// RequiredIdleChecks is how many consecutive empty queue polls declare
	// the pipeline drained.
	RequiredIdleChecks int

	// Batch shaping for producers and aggregators.
	BatchSize     int
	BatchInterval time.Duration

	// MaxExecutionTime bounds a whole run; zero means unlimited. When
	// StrictDeadline is set, exceeding it shuts the run down instead of
	// only warning.
	MaxExecutionTime time.Duration
	StrictDeadline   bool

	// StrictValidation makes a failed checkpoint validation fail the job
	// that recorded it instead of logging and continuing.
	StrictValidation bool
}

// PoolConfig controls the worker-pool manager.
type PoolConfig struct {
	// GlobalConcurrency is the shared slot budget G.
	GlobalConcurrency int

	// ForcedConcurrency, when > 0, distributes a fixed total across stages
	// by priority and bypasses adaptive scaling.
	ForcedConcurrency int

	// Adaptive scaling cadence and per-stage cooldown.
	AdaptiveInterval time.Duration
	ScaleCooldown    time.Duration

	// Predictive scaling extrapolates the sampled trend before applying
	// the scaling rules.
	PredictiveScaling bool
	PredictionHorizon time.Duration
}

// MonitorConfig controls the system monitor.
type MonitorConfig struct {
	CPUThreshold    float64 // percent, scale-down above this
	MemoryThreshold float64 // percent
	LoadThreshold   float64 // normalized load percent

	RingSize      int // retained samples
	TrendWindow   int // samples per trend calculation
	MinConfidence float64
}

// HealthConfig controls the health monitor loops and thresholds.
type HealthConfig struct {
	GlobalInterval     time.Duration
	WorkerInterval     time.Duration
	DependencyInterval time.Duration

	// UnhealthyThreshold consecutive probe failures flag a dependency
	// unhealthy; RecoveryThreshold consecutive successes restore it.
	UnhealthyThreshold int
	RecoveryThreshold  int
}

// RedisConfig carries queue and cache connection settings.
type RedisConfig struct {
	URL      string
	Password string
}

// SQLiteConfig carries the relational store location.
type SQLiteConfig struct {
	Path string
}

// Neo4jConfig carries graph store connection settings.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// LLMConfig carries the analysis model settings.
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// CacheConfig controls the read-through checkpoint cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// APIConfig controls the operational HTTP surface. Port zero disables it.
type APIConfig struct {
	Port int
}

// OutboxConfig controls the outbox publisher.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

// BenchmarkConfig holds the completion gates checked at PIPELINE_COMPLETE.
type BenchmarkConfig struct {
	MinNodes         int
	MinRelationships int
	MaxDuration      time.Duration
}

// RetentionConfig controls background cleanup of finished work.
type RetentionConfig struct {
	CleanupInterval         time.Duration
	CheckpointRetentionDays int
	CompletedJobRetention   time.Duration
	FailedJobRetention      time.Duration
	CompletedKeepCount      int
	FailedKeepCount         int
}

// Stats contains statistics about loaded configuration for boot logging.
type Stats struct {
	Stages      int
	Timeouts    int
	Profile     string
	ForcedTotal int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	s := Stats{Profile: string(c.Profile)}
	if c.Stages != nil {
		s.Stages = c.Stages.Len()
	}
	if c.Timeouts != nil {
		s.Timeouts = len(timeoutSpecs)
	}
	if c.Pool != nil {
		s.ForcedTotal = c.Pool.ForcedConcurrency
	}
	return s
}

// profileForEnv maps APP_ENV onto a timeout profile.
func profileForEnv(appEnv string) TimeoutProfile {
	switch appEnv {
	case "test":
		return ProfileTesting
	case "debug":
		return ProfileDebugging
	default:
		return ProfileDefault
	}
}
