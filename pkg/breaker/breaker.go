// Package breaker implements per-stage circuit breakers.
//
// A breaker is closed until consecutive failures reach the stage's failure
// threshold, then open until the reset interval elapses, then half-open
// while a bounded number of probe calls decide whether to close again.
// Operators can force a breaker open or closed; a forced-open breaker never
// self-recovers.
//
// State transitions are published on the event bus; per-call outcomes go to
// an optional OnResult callback so the pool can feed metrics without the bus
// seeing every job.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// State is the breaker's admission state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String renders the state for logs and status payloads.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// historyLimit bounds the retained transition log per breaker.
const historyLimit = 10

// ErrNotExecuted passed to a done callback releases the admission (including
// a half-open probe slot) without recording an outcome. Used when admission
// succeeded but a later gate, such as the rate limiter, stopped the call
// before the operation ran.
var ErrNotExecuted = errors.New("operation not executed")

// Settings are one breaker's thresholds.
type Settings struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	HalfOpenMaxCalls int
	ResetInterval    time.Duration
}

// SettingsForStage maps a stage descriptor onto breaker settings.
func SettingsForStage(sc *config.StageConfig) Settings {
	return Settings{
		Name:             sc.Name,
		FailureThreshold: sc.FailureThreshold,
		SuccessThreshold: sc.SuccessThreshold,
		HalfOpenMaxCalls: sc.HalfOpenMaxCalls,
		ResetInterval:    sc.ResetInterval,
	}
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Totals are monotonic call counters.
type Totals struct {
	Successes  uint64 `json:"successes"`
	Failures   uint64 `json:"failures"`
	Rejections uint64 `json:"rejections"`
}

// Status is a point-in-time snapshot for the status API and health monitor.
type Status struct {
	Stage               string       `json:"stage"`
	State               string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ProbeSuccesses      int          `json:"probe_successes,omitempty"`
	HalfOpenInFlight    int          `json:"half_open_in_flight,omitempty"`
	NextAttemptAt       *time.Time   `json:"next_attempt_at,omitempty"`
	Forced              bool         `json:"forced,omitempty"`
	Totals              Totals       `json:"totals"`
	History             []Transition `json:"history,omitempty"`
}

// Breaker guards one stage.
type Breaker struct {
	settings Settings
	bus      *events.Bus
	logger   *slog.Logger

	// OnResult, when set, observes every recorded call outcome.
	OnResult func(stage string, success bool)

	now func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	probeSuccesses      int
	halfOpenInFlight    int
	nextAttemptAt       time.Time
	forcedOpen          bool
	lastFailureAt       time.Time
	totals              Totals
	history             []Transition
}

// New creates a closed breaker.
func New(settings Settings, bus *events.Bus, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		settings: settings,
		bus:      bus,
		logger:   logger.With("component", "circuit_breaker", "stage", settings.Name),
		now:      time.Now,
	}
}

// Allow asks for admission. On success it returns a done callback that must
// be invoked with the operation's result exactly once. On rejection it
// returns an error wrapping faults.ErrTripped.
func (b *Breaker) Allow() (func(error), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if b.forcedOpen || now.Before(b.nextAttemptAt) {
			b.totals.Rejections++
			return nil, b.trippedLocked(now)
		}
		b.transitionLocked(StateHalfOpen, "reset interval elapsed", now)
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxCalls {
			b.totals.Rejections++
			return nil, b.trippedLocked(now)
		}
		b.halfOpenInFlight++
		return b.doneFunc(true), nil
	default: // StateClosed
		return b.doneFunc(false), nil
	}
}

// doneFunc builds the completion callback for an admitted call.
func (b *Breaker) doneFunc(probe bool) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			b.record(probe, err)
		})
	}
}

func (b *Breaker) record(probe bool, err error) {
	var notify func(string, bool)
	success := err == nil

	b.mu.Lock()
	now := b.now()
	if probe && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	neutral := faults.IsShutdown(err) || errors.Is(err, ErrNotExecuted)
	switch {
	case err == nil:
		b.totals.Successes++
		b.recordSuccessLocked(now)
	case neutral:
		// Shutdowns and never-run operations say nothing about stage health.
	default:
		b.totals.Failures++
		b.lastFailureAt = now
		b.recordFailureLocked(err, now)
	}
	notify = b.OnResult
	b.mu.Unlock()

	if notify != nil && !neutral {
		notify(b.settings.Name, success)
	}
}

func (b *Breaker) recordSuccessLocked(now time.Time) {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.settings.SuccessThreshold {
			b.transitionLocked(StateClosed, "probe successes reached threshold", now)
		}
	}
}

func (b *Breaker) recordFailureLocked(err error, now time.Time) {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.transitionLocked(StateOpen,
				fmt.Sprintf("%d consecutive failures: %v", b.consecutiveFailures, err), now)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, fmt.Sprintf("probe failed: %v", err), now)
	}
}

func (b *Breaker) transitionLocked(to State, reason string, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case StateOpen:
		b.nextAttemptAt = now.Add(b.settings.ResetInterval)
		b.probeSuccesses = 0
	case StateHalfOpen:
		b.probeSuccesses = 0
		b.halfOpenInFlight = 0
	case StateClosed:
		b.consecutiveFailures = 0
		b.probeSuccesses = 0
		b.nextAttemptAt = time.Time{}
	}

	b.history = append(b.history, Transition{From: from, To: to, Reason: reason, At: now})
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}

	b.logger.Info("Circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
		"reason", reason)
	b.bus.PublishStageStateChange("", events.StageStateChangePayload{
		Stage:  b.settings.Name,
		From:   from.String(),
		To:     to.String(),
		Reason: reason,
	})
}

func (b *Breaker) trippedLocked(now time.Time) error {
	if b.forcedOpen {
		return fmt.Errorf("%w: stage %s forced open", faults.ErrTripped, b.settings.Name)
	}
	if b.state == StateHalfOpen {
		return fmt.Errorf("%w: stage %s probe limit reached", faults.ErrTripped, b.settings.Name)
	}
	wait := b.nextAttemptAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return fmt.Errorf("%w: stage %s retries in %s", faults.ErrTripped, b.settings.Name, wait.Round(time.Millisecond))
}

// Execute runs op under the breaker. When the breaker rejects the call and a
// fallback is supplied, the fallback runs instead and its result is not
// recorded against the breaker.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error, fallback func(context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return err
	}
	opErr := op(ctx)
	done(opErr)
	return opErr
}

// ForceOpen trips the breaker and holds it open until ForceClose.
func (b *Breaker) ForceOpen(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = true
	b.transitionLocked(StateOpen, "forced open: "+reason, b.now())
}

// ForceClose clears a forced hold and closes the breaker, resetting its
// counters. Automatic transitions resume.
func (b *Breaker) ForceClose(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = false
	b.transitionLocked(StateClosed, "forced close: "+reason, b.now())
}

// State returns the current admission state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status snapshots the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Stage:               b.settings.Name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		ProbeSuccesses:      b.probeSuccesses,
		HalfOpenInFlight:    b.halfOpenInFlight,
		Forced:              b.forcedOpen,
		Totals:              b.totals,
		History:             append([]Transition(nil), b.history...),
	}
	if !b.nextAttemptAt.IsZero() {
		at := b.nextAttemptAt
		st.NextAttemptAt = &at
	}
	return st
}
