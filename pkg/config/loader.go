package config

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/graphsmith/graphsmith/pkg/faults"
)

// StagesYAMLConfig represents the optional stages.yaml override file.
type StagesYAMLConfig struct {
	Stages map[string]StageConfig `yaml:"stages"`
}

// profileDefaults carries the handful of non-timeout settings that shift with
// the profile (shorter in tests, longer when debugging).
type profileDefaults struct {
	adaptiveIntervalMS int
	scaleCooldownMS    int
	outboxPollMS       int
	cleanupIntervalMS  int
	benchMinNodes      int
	benchMinRels       int
	healthGlobalMS     int
	healthWorkerMS     int
	healthDepMS        int
}

func defaultsForProfile(p TimeoutProfile) profileDefaults {
	switch p {
	case ProfileTesting:
		return profileDefaults{500, 1000, 200, 1000, 10, 20, 100, 200, 300}
	case ProfileDebugging:
		return profileDefaults{60000, 120000, 5000, 600000, 300, 1600, 60000, 120000, 240000}
	default:
		return profileDefaults{30000, 60000, 2000, 300000, 300, 1600, 30000, 60000, 120000}
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Derive the profile from APP_ENV
//  2. Build the timeout registry (profile defaults + env overrides)
//  3. Read the environment contract with range validation
//  4. Load the optional stages.yaml override file from configDir
//  5. Merge stage overrides onto built-in descriptors
//  6. Cross-validate allocations against the global budget
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", faults.ErrConfig, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"profile", stats.Profile,
		"stages", stats.Stages,
		"timeouts", stats.Timeouts,
		"forced_concurrency", stats.ForcedTotal)

	return cfg, nil
}

// load is the internal loader (not exported).
func load(_ context.Context, configDir string) (*Config, error) {
	env := &envReader{}

	appEnv := env.string("APP_ENV", "development")
	profile := profileForEnv(appEnv)
	pd := defaultsForProfile(profile)

	timeouts, err := NewTimeoutRegistry(profile)
	if err != nil {
		return nil, err
	}

	// Forced concurrency: zero means unset (adaptive path); values above the
	// hard cap are clamped with a single warning.
	forced := env.int("FORCE_MAX_CONCURRENCY", 0, 0, math.MaxInt32)
	if forced > HardConcurrencyCap {
		slog.Warn("FORCE_MAX_CONCURRENCY above hard cap, clamping",
			"requested", forced, "cap", HardConcurrencyCap)
		forced = HardConcurrencyCap
	}

	pool := &PoolConfig{
		GlobalConcurrency: env.int("MAX_GLOBAL_CONCURRENCY", 100, 1, HardConcurrencyCap),
		ForcedConcurrency: forced,
		AdaptiveInterval:  env.durationMS("ADAPTIVE_INTERVAL_MS", pd.adaptiveIntervalMS, 100, 3600000),
		ScaleCooldown:     env.durationMS("SCALE_COOLDOWN_MS", pd.scaleCooldownMS, 100, 3600000),
		PredictiveScaling: env.boolean("PREDICTIVE_SCALING", false),
		PredictionHorizon: env.durationMS("PREDICTION_HORIZON_MS", 30000, 1000, 600000),
	}

	monitor := &MonitorConfig{
		CPUThreshold:    env.float("CPU_THRESHOLD", 85, 50, 100),
		MemoryThreshold: env.float("MEMORY_THRESHOLD", 90, 50, 100),
		LoadThreshold:   env.float("LOAD_THRESHOLD", 90, 50, 100),
		RingSize:        env.int("MONITOR_RING_SIZE", 100, 20, 10000),
		TrendWindow:     env.int("MONITOR_TREND_WINDOW", 20, 5, 1000),
		MinConfidence:   env.float("MONITOR_MIN_CONFIDENCE", 75, 0, 100),
	}

	health := &HealthConfig{
		GlobalInterval:     env.durationMS("HEALTH_GLOBAL_INTERVAL_MS", pd.healthGlobalMS, 50, 3600000),
		WorkerInterval:     env.durationMS("HEALTH_WORKER_INTERVAL_MS", pd.healthWorkerMS, 50, 3600000),
		DependencyInterval: env.durationMS("HEALTH_DEPENDENCY_INTERVAL_MS", pd.healthDepMS, 50, 3600000),
		UnhealthyThreshold: env.int("HEALTH_UNHEALTHY_THRESHOLD", 3, 1, 100),
		RecoveryThreshold:  env.int("HEALTH_RECOVERY_THRESHOLD", 2, 1, 100),
	}

	pipeline := &PipelineConfig{
		TargetDirectory:    env.string("TARGET_DIRECTORY", "."),
		MaxFailureRate:     env.float("PIPELINE_MAX_FAILURE_RATE", 0.25, 0, 1),
		FailureWindow:      env.durationMS("PIPELINE_FAILURE_WINDOW_MS", 60000, 1000, 3600000),
		RequiredIdleChecks: env.int("PIPELINE_REQUIRED_IDLE_CHECKS", 3, 1, 10),
		BatchSize:          env.int("MAX_BATCH_SIZE", 100, 1, 100000),
		BatchInterval:      env.durationMS("BATCH_PROCESSING_INTERVAL", 1000, 10, 3600000),
		MaxExecutionTime:   env.durationMS("PIPELINE_MAX_EXECUTION_TIME_MS", 0, 0, math.MaxInt32),
		StrictDeadline:     env.boolean("PIPELINE_STRICT_DEADLINE", false),
		StrictValidation:   env.boolean("CHECKPOINT_STRICT_VALIDATION", false),
	}

	outbox := &OutboxConfig{
		BatchSize:    env.int("OUTBOX_BATCH_SIZE", 100, 1, 10000),
		PollInterval: env.durationMS("OUTBOX_POLL_INTERVAL_MS", pd.outboxPollMS, 50, 600000),
		MaxAttempts:  env.int("OUTBOX_MAX_ATTEMPTS", 5, 1, 100),
	}

	benchmarks := &BenchmarkConfig{
		MinNodes:         env.int("BENCHMARK_MIN_NODES", pd.benchMinNodes, 0, math.MaxInt32),
		MinRelationships: env.int("BENCHMARK_MIN_RELATIONSHIPS", pd.benchMinRels, 0, math.MaxInt32),
		MaxDuration:      env.durationMS("BENCHMARK_MAX_DURATION_MS", 60000, 1000, math.MaxInt32),
	}

	retention := &RetentionConfig{
		CleanupInterval:         env.durationMS("CLEANUP_INTERVAL_MS", pd.cleanupIntervalMS, 100, 86400000),
		CheckpointRetentionDays: env.int("CHECKPOINT_RETENTION_DAYS", 30, 1, 3650),
		CompletedJobRetention:   env.durationMS("COMPLETED_JOB_RETENTION_MS", 3600000, 1000, math.MaxInt32),
		FailedJobRetention:      env.durationMS("FAILED_JOB_RETENTION_MS", 86400000, 1000, math.MaxInt32),
		CompletedKeepCount:      env.int("COMPLETED_KEEP_COUNT", 1000, 0, math.MaxInt32),
		FailedKeepCount:         env.int("FAILED_KEEP_COUNT", 5000, 0, math.MaxInt32),
	}

	cache := &CacheConfig{
		Enabled: env.boolean("CACHE_ENABLED", true),
		TTL:     time.Duration(env.int("CACHE_TTL_SECONDS", 3600, 1, 604800)) * time.Second,
	}

	redisCfg := &RedisConfig{
		URL:      env.string("REDIS_URL", "redis://localhost:6379/0"),
		Password: env.string("REDIS_PASSWORD", ""),
	}

	sqliteCfg := &SQLiteConfig{
		Path: env.string("SQLITE_DB_PATH", "./graphsmith.db"),
	}

	neo4jCfg := &Neo4jConfig{
		URI:      env.string("NEO4J_URI", "bolt://localhost:7687"),
		User:     env.string("NEO4J_USER", "neo4j"),
		Password: env.string("NEO4J_PASSWORD", ""),
		Database: env.string("NEO4J_DATABASE", "neo4j"),
	}

	llmCfg := &LLMConfig{
		APIKey:      env.string("DEEPSEEK_API_KEY", ""),
		BaseURL:     env.string("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
		Model:       env.string("DEEPSEEK_MODEL", "deepseek-chat"),
		MaxTokens:   env.int("DEEPSEEK_MAX_TOKENS", 4096, 1, 128000),
		Temperature: env.float("DEEPSEEK_TEMPERATURE", 0.1, 0, 2),
	}

	apiCfg := &APIConfig{
		Port: env.int("HTTP_PORT", 0, 0, 65535),
	}

	apiRateLimit := env.float("API_RATE_LIMIT", 0, 0, 10000)

	if env.err != nil {
		return nil, env.err
	}

	userStages, err := loadStagesYAML(configDir)
	if err != nil {
		return nil, err
	}

	stages, err := resolveStages(userStages, env, apiRateLimit)
	if err != nil {
		return nil, err
	}

	// The sum of base allocations must fit the global budget or the pool
	// would refuse stage registration at boot.
	baseTotal := 0
	for _, sc := range stages.All() {
		baseTotal += sc.BaseWorkers
	}
	if baseTotal > pool.GlobalConcurrency {
		return nil, NewValidationError("env", "MAX_GLOBAL_CONCURRENCY", "",
			fmt.Errorf("%w: stage base allocations total %d exceed global budget %d",
				ErrInvalidValue, baseTotal, pool.GlobalConcurrency))
	}

	if llmCfg.APIKey == "" {
		slog.Warn("DEEPSEEK_API_KEY is not set; LLM-bound stages will fail against the live API")
	}

	return &Config{
		AppEnv:     appEnv,
		Profile:    profile,
		Pipeline:   pipeline,
		Pool:       pool,
		Monitor:    monitor,
		Health:     health,
		Redis:      redisCfg,
		SQLite:     sqliteCfg,
		Neo4j:      neo4jCfg,
		LLM:        llmCfg,
		Cache:      cache,
		API:        apiCfg,
		Outbox:     outbox,
		Benchmarks: benchmarks,
		Retention:  retention,
		Timeouts:   timeouts,
		Stages:     stages,
	}, nil
}

// loadStagesYAML reads the optional stages.yaml override file. A missing file
// (or empty configDir) is not an error; the built-in descriptors apply.
func loadStagesYAML(configDir string) (map[string]StageConfig, error) {
	if configDir == "" {
		return nil, nil
	}

	path := filepath.Join(configDir, "stages.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var parsed StagesYAMLConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return parsed.Stages, nil
}
