package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Timeout categories. Every deadline in the system resolves through the
// registry under one of these.
const (
	CategoryPipeline       = "pipeline"
	CategoryWorker         = "worker"
	CategoryQueue          = "queue"
	CategoryDatabase       = "database"
	CategoryCircuitBreaker = "circuitBreaker"
	CategoryLLM            = "llm"
	CategoryMonitoring     = "monitoring"
	CategoryReliability    = "reliability"
)

// Timeout types, grouped by the category they belong to.
const (
	TimeoutDrainCheck      = "drainCheck"      // pipeline
	TimeoutShutdown        = "shutdown"        // pipeline, worker
	TimeoutFinalize        = "finalize"        // pipeline
	TimeoutJob             = "job"             // worker
	TimeoutPoll            = "poll"            // worker
	TimeoutConnect         = "connect"         // queue, database, llm
	TimeoutOp              = "op"              // queue
	TimeoutSweep           = "sweep"           // queue
	TimeoutQuery           = "query"           // database
	TimeoutTx              = "tx"              // database
	TimeoutReset           = "reset"           // circuitBreaker
	TimeoutHalfOpenProbe   = "halfOpenProbe"   // circuitBreaker
	TimeoutRequest         = "request"         // llm
	TimeoutSample          = "sample"          // monitoring
	TimeoutAlertCooldown   = "alertCooldown"   // monitoring
	TimeoutSlotAcquisition = "slotAcquisition" // reliability
	TimeoutRetryDelay      = "retryDelay"      // reliability
	TimeoutStaleClaim      = "staleClaim"      // reliability
)

// TimeoutProfile selects a preset defaults table.
type TimeoutProfile string

const (
	ProfileDefault   TimeoutProfile = "default"
	ProfileTesting   TimeoutProfile = "testing"
	ProfileDebugging TimeoutProfile = "debugging"
)

// fallbackTimeout is returned for keys nobody registered. Callers asking for
// unknown keys get something survivable instead of a zero deadline.
const fallbackTimeout = 30 * time.Second

// changeLogLimit bounds the retained mutation history.
const changeLogLimit = 100

type timeoutKey struct {
	category string
	typ      string
}

// timeoutSpec holds per-profile defaults and the validation range, all in ms.
type timeoutSpec struct {
	def       int64
	testing   int64
	debugging int64
	min       int64
	max       int64
}

func (s timeoutSpec) forProfile(p TimeoutProfile) int64 {
	switch p {
	case ProfileTesting:
		return s.testing
	case ProfileDebugging:
		return s.debugging
	default:
		return s.def
	}
}

// timeoutSpecs is the authoritative table: defaults (default/testing/debugging)
// and [min,max] validation ranges.
var timeoutSpecs = map[timeoutKey]timeoutSpec{
	{CategoryPipeline, TimeoutDrainCheck}: {5000, 200, 10000, 100, 60000},
	{CategoryPipeline, TimeoutShutdown}:   {30000, 2000, 60000, 1000, 300000},
	{CategoryPipeline, TimeoutFinalize}:   {60000, 5000, 120000, 1000, 600000},

	{CategoryWorker, TimeoutJob}:      {180000, 2000, 360000, 1000, 1800000},
	{CategoryWorker, TimeoutShutdown}: {30000, 1000, 60000, 1000, 300000},
	{CategoryWorker, TimeoutPoll}:     {1000, 50, 2000, 10, 60000},

	{CategoryQueue, TimeoutConnect}: {5000, 500, 10000, 100, 60000},
	{CategoryQueue, TimeoutOp}:      {3000, 300, 6000, 50, 60000},
	{CategoryQueue, TimeoutSweep}:   {30000, 500, 60000, 100, 600000},

	{CategoryDatabase, TimeoutConnect}: {5000, 500, 10000, 100, 60000},
	{CategoryDatabase, TimeoutQuery}:   {10000, 1000, 20000, 100, 120000},
	{CategoryDatabase, TimeoutTx}:      {15000, 1500, 30000, 100, 180000},

	{CategoryCircuitBreaker, TimeoutReset}:         {60000, 500, 120000, 100, 600000},
	{CategoryCircuitBreaker, TimeoutHalfOpenProbe}: {10000, 500, 20000, 100, 120000},

	{CategoryLLM, TimeoutRequest}: {120000, 1000, 240000, 500, 600000},
	{CategoryLLM, TimeoutConnect}: {10000, 500, 20000, 100, 60000},

	{CategoryMonitoring, TimeoutSample}:        {5000, 100, 10000, 50, 60000},
	{CategoryMonitoring, TimeoutAlertCooldown}: {60000, 500, 120000, 100, 600000},

	{CategoryReliability, TimeoutSlotAcquisition}: {15000, 500, 30000, 100, 120000},
	{CategoryReliability, TimeoutRetryDelay}:      {1000, 20, 2000, 10, 60000},
	{CategoryReliability, TimeoutStaleClaim}:      {45000, 500, 90000, 100, 600000},
}

// TimeoutChange records one mutation of the registry.
type TimeoutChange struct {
	Category string    `json:"category"`
	Type     string    `json:"type"`
	OldMS    int64     `json:"old_ms"`
	NewMS    int64     `json:"new_ms"`
	Source   string    `json:"source"` // env, override, reset
	At       time.Time `json:"at"`
}

// TimeoutRegistry resolves operation deadlines by category and type. Reads
// are lock-free snapshot loads so hot paths never contend; writes serialize
// on a mutex, swap in a fresh snapshot, and append to a bounded change-log.
type TimeoutRegistry struct {
	profile  TimeoutProfile
	snapshot atomic.Pointer[map[timeoutKey]time.Duration]

	mu      sync.Mutex
	loaded  map[timeoutKey]time.Duration // values captured at load, for Reset
	changes []TimeoutChange
}

// NewTimeoutRegistry builds a registry from the profile's defaults, then
// applies <CATEGORY>_<TYPE>_TIMEOUT_MS environment overrides. Out-of-range
// values abort with a validation error naming the offending variable.
func NewTimeoutRegistry(profile TimeoutProfile) (*TimeoutRegistry, error) {
	values := make(map[timeoutKey]time.Duration, len(timeoutSpecs))
	for key, spec := range timeoutSpecs {
		values[key] = time.Duration(spec.forProfile(profile)) * time.Millisecond
	}

	var envApplied []TimeoutChange
	for key, spec := range timeoutSpecs {
		name := timeoutEnvName(key)
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, NewValidationError("timeout", name, "",
				fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, raw))
		}
		if ms < spec.min || ms > spec.max {
			return nil, NewValidationError("timeout", name, "",
				fmt.Errorf("%w: %d out of range [%d,%d]", ErrInvalidValue, ms, spec.min, spec.max))
		}
		envApplied = append(envApplied, TimeoutChange{
			Category: key.category,
			Type:     key.typ,
			OldMS:    values[key].Milliseconds(),
			NewMS:    ms,
			Source:   "env",
			At:       time.Now(),
		})
		values[key] = time.Duration(ms) * time.Millisecond
	}

	loaded := make(map[timeoutKey]time.Duration, len(values))
	for k, v := range values {
		loaded[k] = v
	}

	r := &TimeoutRegistry{
		profile: profile,
		loaded:  loaded,
		changes: envApplied,
	}
	r.snapshot.Store(&values)

	slog.Info("Timeout registry initialized",
		"profile", string(profile),
		"entries", len(values),
		"env_overrides", len(envApplied))

	return r, nil
}

// Get returns the configured duration for a category/type pair. Unknown keys
// fall back to 30s so a missed registration degrades instead of deadlocking.
func (r *TimeoutRegistry) Get(category, typ string) time.Duration {
	values := r.snapshot.Load()
	if d, ok := (*values)[timeoutKey{category, typ}]; ok {
		return d
	}
	slog.Warn("Unknown timeout requested, using fallback",
		"category", category, "type", typ, "fallback", fallbackTimeout)
	return fallbackTimeout
}

// Set updates a single timeout at runtime. The new value is validated against
// the same range as at load. A change-log entry is recorded.
func (r *TimeoutRegistry) Set(category, typ string, d time.Duration) error {
	key := timeoutKey{category, typ}
	spec, ok := timeoutSpecs[key]
	if !ok {
		return NewValidationError("timeout", category+"."+typ, "", ErrUnknownTimeout)
	}
	ms := d.Milliseconds()
	if ms < spec.min || ms > spec.max {
		return NewValidationError("timeout", category+"."+typ, "",
			fmt.Errorf("%w: %d out of range [%d,%d]", ErrInvalidValue, ms, spec.min, spec.max))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := (*r.snapshot.Load())[key]
	r.replaceLocked(key, d)
	r.appendChangeLocked(TimeoutChange{
		Category: category,
		Type:     typ,
		OldMS:    old.Milliseconds(),
		NewMS:    ms,
		Source:   "override",
		At:       time.Now(),
	})

	slog.Info("Timeout updated",
		"category", category, "type", typ,
		"old_ms", old.Milliseconds(), "new_ms", ms)
	return nil
}

// Reset restores every value captured at load time (profile defaults plus
// environment overrides).
func (r *TimeoutRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[timeoutKey]time.Duration, len(r.loaded))
	for k, v := range r.loaded {
		fresh[k] = v
	}
	r.snapshot.Store(&fresh)
	r.appendChangeLocked(TimeoutChange{Source: "reset", At: time.Now()})

	slog.Info("Timeout registry reset to loaded values", "profile", string(r.profile))
}

// Changes returns a copy of the bounded mutation history, oldest first.
func (r *TimeoutRegistry) Changes() []TimeoutChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TimeoutChange, len(r.changes))
	copy(out, r.changes)
	return out
}

// Profile returns the profile the registry was built from.
func (r *TimeoutRegistry) Profile() TimeoutProfile {
	return r.profile
}

// Snapshot returns category → type → ms for status reporting.
func (r *TimeoutRegistry) Snapshot() map[string]map[string]int64 {
	values := r.snapshot.Load()
	out := make(map[string]map[string]int64)
	for key, d := range *values {
		if out[key.category] == nil {
			out[key.category] = make(map[string]int64)
		}
		out[key.category][key.typ] = d.Milliseconds()
	}
	return out
}

// replaceLocked swaps in a new snapshot with one key changed. Caller holds mu.
func (r *TimeoutRegistry) replaceLocked(key timeoutKey, d time.Duration) {
	current := r.snapshot.Load()
	fresh := make(map[timeoutKey]time.Duration, len(*current))
	for k, v := range *current {
		fresh[k] = v
	}
	fresh[key] = d
	r.snapshot.Store(&fresh)
}

// appendChangeLocked appends to the change-log, dropping the oldest entries
// beyond the limit. Caller holds mu.
func (r *TimeoutRegistry) appendChangeLocked(c TimeoutChange) {
	r.changes = append(r.changes, c)
	if len(r.changes) > changeLogLimit {
		r.changes = r.changes[len(r.changes)-changeLogLimit:]
	}
}

// timeoutEnvName renders the environment variable name for a key:
// {circuitBreaker, halfOpenProbe} → CIRCUIT_BREAKER_HALF_OPEN_PROBE_TIMEOUT_MS.
func timeoutEnvName(key timeoutKey) string {
	return camelToScreaming(key.category) + "_" + camelToScreaming(key.typ) + "_TIMEOUT_MS"
}

func camelToScreaming(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
