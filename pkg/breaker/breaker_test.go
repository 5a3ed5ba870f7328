package breaker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

var errBoom = errors.New("boom")

func testSettings() Settings {
	return Settings{
		Name:             "file-analysis",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		HalfOpenMaxCalls: 2,
		ResetInterval:    time.Minute,
	}
}

// testClock pins the breaker to a controllable time.
func testClock(b *Breaker) *time.Time {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return &now
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return errBoom }, nil)
		require.ErrorIs(t, err, errBoom)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(testSettings(), nil, nil)
	testClock(b)

	failN(t, b, 2)
	assert.Equal(t, StateClosed, b.State())

	failN(t, b, 1)
	assert.Equal(t, StateOpen, b.State())

	ran := false
	err := b.Execute(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrTripped)
	assert.False(t, ran, "open breaker must not run the operation")
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(testSettings(), nil, nil)
	testClock(b)

	failN(t, b, 2)
	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }, nil))
	failN(t, b, 2)
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip")

	failN(t, b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenAfterResetInterval(t *testing.T) {
	b := New(testSettings(), nil, nil)
	now := testClock(b)

	failN(t, b, 3)
	require.Equal(t, StateOpen, b.State())

	// Before the reset interval elapses the breaker still rejects.
	*now = now.Add(30 * time.Second)
	_, err := b.Allow()
	require.ErrorIs(t, err, faults.ErrTripped)

	*now = now.Add(31 * time.Second)
	done, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())
	done(nil)
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	b := New(testSettings(), nil, nil)
	now := testClock(b)

	failN(t, b, 3)
	*now = now.Add(2 * time.Minute)

	done1, err := b.Allow()
	require.NoError(t, err)
	done2, err := b.Allow()
	require.NoError(t, err)

	_, err = b.Allow()
	require.ErrorIs(t, err, faults.ErrTripped)

	done1(nil)
	done2(nil)
	assert.Equal(t, StateClosed, b.State(), "two probe successes close the breaker")
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b := New(testSettings(), nil, nil)
	now := testClock(b)

	failN(t, b, 3)
	firstTrip := *now
	*now = now.Add(2 * time.Minute)

	done, err := b.Allow()
	require.NoError(t, err)
	done(errBoom)

	assert.Equal(t, StateOpen, b.State())
	st := b.Status()
	require.NotNil(t, st.NextAttemptAt)
	assert.True(t, st.NextAttemptAt.After(firstTrip.Add(time.Minute)),
		"reopen must schedule a fresh reset interval")
}

func TestBreakerFallbackRunsWhenOpen(t *testing.T) {
	b := New(testSettings(), nil, nil)
	testClock(b)

	failN(t, b, 3)

	fallbackRan := false
	err := b.Execute(context.Background(),
		func(context.Context) error { return errBoom },
		func(context.Context) error {
			fallbackRan = true
			return nil
		})
	require.NoError(t, err)
	assert.True(t, fallbackRan)

	// Fallback results are not recorded: totals unchanged beyond the trip.
	st := b.Status()
	assert.Equal(t, uint64(3), st.Totals.Failures)
	assert.Equal(t, uint64(1), st.Totals.Rejections)
}

func TestBreakerForceOpenHolds(t *testing.T) {
	b := New(testSettings(), nil, nil)
	now := testClock(b)

	b.ForceOpen("maintenance window")
	assert.Equal(t, StateOpen, b.State())

	// Forced-open breakers never self-recover, regardless of elapsed time.
	*now = now.Add(24 * time.Hour)
	_, err := b.Allow()
	require.ErrorIs(t, err, faults.ErrTripped)
	assert.Contains(t, err.Error(), "forced open")

	b.ForceClose("maintenance done")
	assert.Equal(t, StateClosed, b.State())
	done, err := b.Allow()
	require.NoError(t, err)
	done(nil)
}

func TestBreakerShutdownErrorsNotCounted(t *testing.T) {
	b := New(testSettings(), nil, nil)
	testClock(b)

	for i := 0; i < 5; i++ {
		err := b.Execute(context.Background(), func(context.Context) error {
			return faults.ErrShutdown
		}, nil)
		require.ErrorIs(t, err, faults.ErrShutdown)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Status().Totals.Failures)
}

func TestBreakerHistoryBounded(t *testing.T) {
	b := New(testSettings(), nil, nil)
	testClock(b)

	for i := 0; i < 8; i++ {
		b.ForceOpen("cycle")
		b.ForceClose("cycle")
	}
	st := b.Status()
	assert.Len(t, st.History, historyLimit)
	// Oldest entries are evicted first.
	assert.Equal(t, StateClosed, st.History[len(st.History)-1].To)
}

func TestBreakerPublishesStateChanges(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	sub := bus.Subscribe(4, events.TypeStageStateChange)

	b := New(testSettings(), bus, nil)
	testClock(b)
	failN(t, b, 3)

	select {
	case evt := <-sub.C():
		payload, ok := evt.Payload.(events.StageStateChangePayload)
		require.True(t, ok)
		assert.Equal(t, "file-analysis", payload.Stage)
		assert.Equal(t, "closed", payload.From)
		assert.Equal(t, "open", payload.To)
	case <-time.After(time.Second):
		t.Fatal("expected stageStateChange event")
	}
}

func TestBreakerOnResultObserver(t *testing.T) {
	b := New(testSettings(), nil, nil)
	testClock(b)

	var successes, failures int
	b.OnResult = func(stage string, success bool) {
		require.Equal(t, "file-analysis", stage)
		if success {
			successes++
		} else {
			failures++
		}
	}

	require.NoError(t, b.Execute(context.Background(), func(context.Context) error { return nil }, nil))
	failN(t, b, 2)

	assert.Equal(t, 1, successes)
	assert.Equal(t, 2, failures)
}

func TestBreakerNotExecutedReleasesProbeWithoutRecording(t *testing.T) {
	b := New(testSettings(), nil, nil)
	now := testClock(b)

	failN(t, b, 3)
	*now = now.Add(2 * time.Minute)

	done, err := b.Allow()
	require.NoError(t, err)
	done(ErrNotExecuted)

	st := b.Status()
	assert.Equal(t, "half-open", st.State)
	assert.Zero(t, st.HalfOpenInFlight)
	assert.Zero(t, st.ProbeSuccesses)

	// The released probe slot is available again; two successes close.
	d1, err := b.Allow()
	require.NoError(t, err)
	d1(nil)
	d2, err := b.Allow()
	require.NoError(t, err)
	d2(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerDoneIdempotent(t *testing.T) {
	b := New(testSettings(), nil, nil)
	testClock(b)

	done, err := b.Allow()
	require.NoError(t, err)
	done(errBoom)
	done(errBoom)
	done(errBoom)

	assert.Equal(t, 1, b.Status().ConsecutiveFailures)
}

func TestRegistryPerStage(t *testing.T) {
	stages := config.NewStageRegistry(config.DefaultStageConfigs())
	r := NewRegistry(stages, nil, slog.Default())

	b, err := r.For(config.StageGraphIngestion)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	_, err = r.For("no-such-stage")
	assert.ErrorIs(t, err, faults.ErrConfig)

	assert.Zero(t, r.OpenCount())
	b.ForceOpen("test")
	assert.Equal(t, 1, r.OpenCount())

	status := r.Status()
	assert.Len(t, status, stages.Len())
	assert.Equal(t, "open", status[config.StageGraphIngestion].State)
}
