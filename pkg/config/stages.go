package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"dario.cat/mergo"
)

// Stage names. The pipeline's stage set is fixed; configuration tunes each
// stage but cannot invent new ones.
const (
	StageFileAnalysis           = "file-analysis"
	StageDirectoryAggregation   = "directory-aggregation"
	StageDirectoryResolution    = "directory-resolution"
	StageRelationshipResolution = "relationship-resolution"
	StageValidation             = "validation"
	StageReconciliation         = "reconciliation"
	StageGraphIngestion         = "graph-ingestion"
)

// DeadLetterQueueName is the shared dead-letter queue for exhausted jobs.
const DeadLetterQueueName = "dead-letter-queue"

// StageConfig describes one pipeline stage: its slot allocation bounds, queue
// consumers, rate limits, circuit-breaker thresholds, and retry policy.
type StageConfig struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"` // higher wins forced-allocation ties

	// Slot allocation bounds for the worker-pool manager.
	MinWorkers  int `yaml:"min_workers"`
	BaseWorkers int `yaml:"base_workers"`
	MaxWorkers  int `yaml:"max_workers"`

	// Consumers is the number of queue consumer goroutines for the stage.
	Consumers int `yaml:"consumers"`

	// LLMBound marks stages whose handler calls the LLM; they get stricter
	// breaker thresholds and share the API rate limit.
	LLMBound bool `yaml:"llm_bound"`

	// Token bucket settings. BurstCapacity of zero disables the burst bucket.
	RatePerSecond float64       `yaml:"rate_per_second"`
	RateCapacity  int           `yaml:"rate_capacity"`
	BurstCapacity int           `yaml:"burst_capacity"`
	BurstWindow   time.Duration `yaml:"burst_window"`

	// Circuit breaker thresholds.
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	ResetInterval    time.Duration `yaml:"reset_interval"`

	// MaxAttempts bounds the managed-execution retry loop per job.
	MaxAttempts int `yaml:"max_attempts"`

	// Queue wiring.
	QueueName       string `yaml:"queue_name"`
	DeadLetterQueue string `yaml:"dead_letter_queue"`
}

// WorkersEnvName returns the per-stage worker override variable,
// e.g. file-analysis → MAX_FILE_ANALYSIS_WORKERS.
func (s *StageConfig) WorkersEnvName() string {
	return "MAX_" + strings.ToUpper(strings.ReplaceAll(s.Name, "-", "_")) + "_WORKERS"
}

// DefaultStageConfigs returns the built-in descriptor for every stage.
func DefaultStageConfigs() map[string]*StageConfig {
	defaults := []*StageConfig{
		{
			Name: StageFileAnalysis, Priority: 70,
			MinWorkers: 1, BaseWorkers: 8, MaxWorkers: 20, Consumers: 4,
			LLMBound:      true,
			RatePerSecond: 8, RateCapacity: 16, BurstCapacity: 20, BurstWindow: 10 * time.Second,
			ResetInterval: 60 * time.Second,
		},
		{
			Name: StageValidation, Priority: 60,
			MinWorkers: 1, BaseWorkers: 2, MaxWorkers: 8, Consumers: 2,
			RatePerSecond: 50, RateCapacity: 100,
			ResetInterval: 45 * time.Second,
		},
		{
			Name: StageRelationshipResolution, Priority: 50,
			MinWorkers: 1, BaseWorkers: 4, MaxWorkers: 12, Consumers: 2,
			LLMBound:      true,
			RatePerSecond: 6, RateCapacity: 12, BurstCapacity: 15, BurstWindow: 10 * time.Second,
			ResetInterval: 90 * time.Second,
		},
		{
			Name: StageGraphIngestion, Priority: 40,
			MinWorkers: 1, BaseWorkers: 2, MaxWorkers: 4, Consumers: 1,
			RatePerSecond: 20, RateCapacity: 40,
			ResetInterval: 45 * time.Second,
		},
		{
			Name: StageReconciliation, Priority: 30,
			MinWorkers: 1, BaseWorkers: 2, MaxWorkers: 6, Consumers: 1,
			RatePerSecond: 50, RateCapacity: 100,
			ResetInterval: 45 * time.Second,
		},
		{
			Name: StageDirectoryResolution, Priority: 20,
			MinWorkers: 1, BaseWorkers: 2, MaxWorkers: 6, Consumers: 1,
			LLMBound:      true,
			RatePerSecond: 4, RateCapacity: 8, BurstCapacity: 10, BurstWindow: 10 * time.Second,
			ResetInterval: 60 * time.Second,
		},
		{
			Name: StageDirectoryAggregation, Priority: 10,
			MinWorkers: 1, BaseWorkers: 2, MaxWorkers: 6, Consumers: 1,
			RatePerSecond: 50, RateCapacity: 100,
			ResetInterval: 45 * time.Second,
		},
	}

	out := make(map[string]*StageConfig, len(defaults))
	for _, sc := range defaults {
		// Shared derivables not worth repeating per entry.
		sc.QueueName = sc.Name + "-queue"
		sc.DeadLetterQueue = DeadLetterQueueName
		sc.SuccessThreshold = 2
		sc.HalfOpenMaxCalls = 3
		sc.MaxAttempts = 3
		if sc.LLMBound {
			sc.FailureThreshold = 3
		} else {
			sc.FailureThreshold = 5
		}
		out[sc.Name] = sc
	}
	return out
}

// StageRegistry provides lookup over the resolved stage descriptors.
type StageRegistry struct {
	stages  map[string]*StageConfig
	ordered []*StageConfig // descending priority
}

// NewStageRegistry builds a registry from resolved descriptors.
func NewStageRegistry(stages map[string]*StageConfig) *StageRegistry {
	ordered := make([]*StageConfig, 0, len(stages))
	for _, sc := range stages {
		ordered = append(ordered, sc)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})
	return &StageRegistry{stages: stages, ordered: ordered}
}

// Get retrieves one stage descriptor by name.
func (r *StageRegistry) Get(name string) (*StageConfig, error) {
	sc, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, name)
	}
	return sc, nil
}

// All returns the descriptors in descending priority order.
func (r *StageRegistry) All() []*StageConfig {
	return r.ordered
}

// Names returns stage names in descending priority order.
func (r *StageRegistry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, sc := range r.ordered {
		names[i] = sc.Name
	}
	return names
}

// Len returns the number of stages.
func (r *StageRegistry) Len() int {
	return len(r.stages)
}

// QueueNames returns every stage queue plus the dead-letter queue.
func (r *StageRegistry) QueueNames() []string {
	names := make([]string, 0, len(r.ordered)+1)
	for _, sc := range r.ordered {
		names = append(names, sc.QueueName)
	}
	return append(names, DeadLetterQueueName)
}

// resolveStages merges user YAML overrides onto the built-in descriptors,
// applies environment overrides, and validates the result.
func resolveStages(userStages map[string]StageConfig, env *envReader, apiRateLimit float64) (*StageRegistry, error) {
	stages := DefaultStageConfigs()

	for name, user := range userStages {
		base, ok := stages[name]
		if !ok {
			return nil, NewValidationError("stage", name, "", fmt.Errorf("%w: not a pipeline stage", ErrInvalidValue))
		}
		userCopy := user
		userCopy.Name = name
		if err := mergo.Merge(base, &userCopy, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge stage %s: %w", name, err)
		}
	}

	for _, sc := range stages {
		// API_RATE_LIMIT overrides the bucket rate of every LLM-bound stage.
		if apiRateLimit > 0 && sc.LLMBound {
			sc.RatePerSecond = apiRateLimit
			if sc.RateCapacity < int(apiRateLimit) {
				sc.RateCapacity = int(apiRateLimit) * 2
			}
		}

		if maxWorkers, set := env.optionalInt(sc.WorkersEnvName(), 1, HardConcurrencyCap); set {
			sc.MaxWorkers = maxWorkers
			if sc.BaseWorkers > maxWorkers {
				sc.BaseWorkers = maxWorkers
			}
			if sc.MinWorkers > maxWorkers {
				sc.MinWorkers = maxWorkers
			}
		}

		if err := validateStage(sc); err != nil {
			return nil, err
		}
	}
	if env.err != nil {
		return nil, env.err
	}

	return NewStageRegistry(stages), nil
}

func validateStage(sc *StageConfig) error {
	fail := func(field string, err error) error {
		return NewValidationError("stage", sc.Name, field, err)
	}

	switch {
	case sc.MinWorkers < 1:
		return fail("min_workers", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	case sc.BaseWorkers < sc.MinWorkers:
		return fail("base_workers", fmt.Errorf("%w: below min_workers", ErrInvalidValue))
	case sc.MaxWorkers < sc.BaseWorkers:
		return fail("max_workers", fmt.Errorf("%w: below base_workers", ErrInvalidValue))
	case sc.Consumers < 1:
		return fail("consumers", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	case sc.RatePerSecond <= 0:
		return fail("rate_per_second", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	case sc.RateCapacity < 1:
		return fail("rate_capacity", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	case sc.BurstCapacity > 0 && sc.BurstWindow <= 0:
		return fail("burst_window", fmt.Errorf("%w: required when burst_capacity is set", ErrInvalidValue))
	case sc.FailureThreshold < 1:
		return fail("failure_threshold", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	case sc.SuccessThreshold < 1:
		return fail("success_threshold", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	case sc.HalfOpenMaxCalls < 1:
		return fail("half_open_max_calls", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	case sc.ResetInterval < 100*time.Millisecond || sc.ResetInterval > 10*time.Minute:
		return fail("reset_interval", fmt.Errorf("%w: must be within [100ms,10m]", ErrInvalidValue))
	case sc.MaxAttempts < 1:
		return fail("max_attempts", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	case sc.QueueName == "":
		return fail("queue_name", ErrMissingRequiredField)
	}
	return nil
}
