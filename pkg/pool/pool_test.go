package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/breaker"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/ratelimit"
)

func testStageConfig(name string, priority, min, base, max int) *config.StageConfig {
	return &config.StageConfig{
		Name:             name,
		Priority:         priority,
		MinWorkers:       min,
		BaseWorkers:      base,
		MaxWorkers:       max,
		Consumers:        1,
		RatePerSecond:    1000,
		RateCapacity:     1000,
		FailureThreshold: 100,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 3,
		ResetInterval:    time.Minute,
		MaxAttempts:      3,
		QueueName:        name + "-queue",
	}
}

func newTestManager(t *testing.T, global int, stages ...*config.StageConfig) *Manager {
	t.Helper()
	timeouts, err := config.NewTimeoutRegistry(config.ProfileTesting)
	require.NoError(t, err)

	byName := make(map[string]*config.StageConfig, len(stages))
	for _, sc := range stages {
		byName[sc.Name] = sc
	}
	cfg := &config.Config{
		Profile: config.ProfileTesting,
		Pool: &config.PoolConfig{
			GlobalConcurrency: global,
			AdaptiveInterval:  time.Hour,
			ScaleCooldown:     200 * time.Millisecond,
		},
		Monitor: &config.MonitorConfig{
			CPUThreshold:    85,
			MemoryThreshold: 90,
			LoadThreshold:   90,
			RingSize:        10,
			TrendWindow:     5,
			MinConfidence:   75,
		},
		Timeouts: timeouts,
		Stages:   config.NewStageRegistry(byName),
	}

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	m := NewManager(cfg,
		breaker.NewRegistry(cfg.Stages, bus, nil),
		ratelimit.NewRegistry(cfg.Stages),
		nil, bus, nil, nil)
	for _, sc := range stages {
		require.NoError(t, m.RegisterStage(sc))
	}
	return m
}

func waitEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestRegisterStageIdempotent(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	m := newTestManager(t, 10, sc)

	require.NoError(t, m.RegisterStage(sc))
	assert.Len(t, m.GetStatus().Stages, 1)
}

func TestRegisterStageOverGlobalBudget(t *testing.T) {
	m := newTestManager(t, 5, testStageConfig("file-analysis", 70, 1, 4, 8))

	err := m.RegisterStage(testStageConfig("validation", 60, 1, 3, 8))
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrConfig)
	assert.Len(t, m.GetStatus().Stages, 1)
}

func TestExecuteSuccess(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	m := newTestManager(t, 10, sc)

	var calls atomic.Int32
	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{JobID: "j1"},
		func(ctx context.Context) error {
			calls.Add(1)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	status := m.GetStatus()
	assert.Equal(t, 0, status.GlobalInUse)
	st := status.Stages["validation"]
	assert.Equal(t, uint64(1), st.Executions)
	assert.Equal(t, 0, st.InUse)
}

func TestExecuteUnknownStage(t *testing.T) {
	m := newTestManager(t, 10, testStageConfig("validation", 60, 1, 2, 8))

	err := m.ExecuteWithManagement(context.Background(), "no-such-stage", Meta{},
		func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrConfig)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	m := newTestManager(t, 10, sc)

	var calls atomic.Int32
	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{JobID: "j1"},
		func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return faults.Transient(errors.New("flaky"))
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	st := m.GetStatus().Stages["validation"]
	assert.Equal(t, uint64(1), st.Executions)
	assert.Equal(t, uint64(2), st.Retries)
	assert.Equal(t, uint64(0), st.Failures)
}

func TestExecuteStopsAtMaxAttempts(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	sc.MaxAttempts = 2
	m := newTestManager(t, 10, sc)

	var calls atomic.Int32
	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{JobID: "j1"},
		func(ctx context.Context) error {
			calls.Add(1)
			return faults.Transient(errors.New("still failing"))
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTransient)
	assert.Equal(t, int32(2), calls.Load())

	st := m.GetStatus().Stages["validation"]
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, uint64(1), st.Retries)
}

func TestExecuteNonRetryableFailsFast(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	m := newTestManager(t, 10, sc)

	var calls atomic.Int32
	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{JobID: "j1"},
		func(ctx context.Context) error {
			calls.Add(1)
			return faults.ErrValidation
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrValidation)
	assert.Equal(t, int32(1), calls.Load(), "non-retryable errors get a single attempt")
}

func TestExecuteTrippedFastFail(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	sc.FailureThreshold = 2
	sc.MaxAttempts = 1
	m := newTestManager(t, 10, sc)

	var calls atomic.Int32
	failing := func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("handler broken")
	}
	for i := 0; i < 2; i++ {
		require.Error(t, m.ExecuteWithManagement(context.Background(), "validation", Meta{}, failing))
	}
	require.Equal(t, int32(2), calls.Load())

	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{}, failing)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTripped)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not run the operation")
}

func TestExecuteJobDeadline(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	sc.MaxAttempts = 1
	m := newTestManager(t, 10, sc)
	require.NoError(t, m.cfg.Timeouts.Set(config.CategoryWorker, config.TimeoutJob, time.Second))

	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{JobID: "slow"},
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTimeout)
}

func TestExecuteSlotAcquisitionTimeout(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 1, 1)
	sc.MaxAttempts = 1
	m := newTestManager(t, 10, sc)
	require.NoError(t, m.cfg.Timeouts.Set(config.CategoryReliability, config.TimeoutSlotAcquisition, 100*time.Millisecond))

	release := make(chan struct{})
	holding := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.ExecuteWithManagement(context.Background(), "validation", Meta{JobID: "holder"},
			func(ctx context.Context) error {
				close(holding)
				<-release
				return nil
			})
	}()
	<-holding

	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{JobID: "starved"},
		func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTimeout)

	close(release)
	require.NoError(t, <-firstDone)
}

func TestExecuteRateLimitedLeavesBreakerClosed(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 2, 8)
	sc.RatePerSecond = 0.0001
	sc.RateCapacity = 1
	sc.MaxAttempts = 1
	m := newTestManager(t, 10, sc)
	require.NoError(t, m.cfg.Timeouts.Set(config.CategoryReliability, config.TimeoutSlotAcquisition, 100*time.Millisecond))

	require.NoError(t, m.ExecuteWithManagement(context.Background(), "validation", Meta{},
		func(ctx context.Context) error { return nil }))

	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{},
		func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrRateLimited)

	// Admission failures are not execution outcomes.
	st, err := m.stageFor("validation")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, st.breaker.State())
}

func TestUpdateConcurrencyClampsToBounds(t *testing.T) {
	sc := testStageConfig("validation", 60, 2, 4, 6)
	m := newTestManager(t, 20, sc)
	sub := m.bus.Subscribe(4, events.TypeConcurrencyChanged)
	defer sub.Close()

	require.NoError(t, m.UpdateConcurrency("validation", 10, "operator"))
	ev := waitEvent(t, sub)
	payload, ok := ev.Payload.(events.ConcurrencyChangedPayload)
	require.True(t, ok)
	assert.Equal(t, 4, payload.Old)
	assert.Equal(t, 6, payload.New)
	assert.Equal(t, "operator", payload.Reason)

	require.NoError(t, m.UpdateConcurrency("validation", 1, "operator"))
	assert.Equal(t, 2, m.GetStatus().Stages["validation"].Limit)
}

func TestUpdateConcurrencySameValueIsNoOp(t *testing.T) {
	sc := testStageConfig("validation", 60, 1, 4, 8)
	m := newTestManager(t, 20, sc)

	require.NoError(t, m.UpdateConcurrency("validation", 4, "operator"))

	st, err := m.stageFor("validation")
	require.NoError(t, err)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.True(t, st.lastScale.IsZero(), "no-op must not start a cooldown")
}

func TestUpdateConcurrencyRejectsOverBudget(t *testing.T) {
	a := testStageConfig("file-analysis", 70, 1, 4, 8)
	b := testStageConfig("validation", 60, 1, 4, 8)
	m := newTestManager(t, 10, a, b)

	err := m.UpdateConcurrency("file-analysis", 8, "operator")
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrConfig)
	assert.Equal(t, 4, m.GetStatus().Stages["file-analysis"].Limit)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	m := newTestManager(t, 10, testStageConfig("validation", 60, 1, 2, 8))
	require.NoError(t, m.Shutdown(time.Second))

	err := m.ExecuteWithManagement(context.Background(), "validation", Meta{},
		func(ctx context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrShutdown)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	m := newTestManager(t, 10, testStageConfig("validation", 60, 1, 2, 8))

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.ExecuteWithManagement(context.Background(), "validation", Meta{},
			func(ctx context.Context) error {
				close(started)
				time.Sleep(50 * time.Millisecond)
				return nil
			})
	}()
	<-started

	require.NoError(t, m.Shutdown(2*time.Second))
	require.NoError(t, <-done)
}

func TestShutdownTimesOutOnStuckWork(t *testing.T) {
	m := newTestManager(t, 10, testStageConfig("validation", 60, 1, 2, 8))

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.ExecuteWithManagement(context.Background(), "validation", Meta{},
			func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			})
	}()
	<-started

	err := m.Shutdown(100 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTimeout)

	close(release)
	require.NoError(t, <-done)
}

func TestGetStatusSnapshot(t *testing.T) {
	sc := testStageConfig("file-analysis", 70, 1, 4, 8)
	m := newTestManager(t, 16, sc)

	status := m.GetStatus()
	assert.Equal(t, 16, status.GlobalCap)
	assert.False(t, status.ShuttingDown)

	st, ok := status.Stages["file-analysis"]
	require.True(t, ok)
	assert.Equal(t, 4, st.Limit)
	assert.Equal(t, 1, st.MinWorkers)
	assert.Equal(t, 8, st.MaxWorkers)
	assert.Equal(t, 70, st.Priority)
	assert.Equal(t, breaker.StateClosed.String(), st.Breaker.State)
}
