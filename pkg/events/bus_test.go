package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusSubscribeByType(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	completed := bus.Subscribe(4, TypeJobCompleted)
	failed := bus.Subscribe(4, TypeJobFailed)

	bus.PublishJobCompleted("run-1", JobCompletedPayload{JobID: "job-1", Stage: "file-analysis"})
	bus.PublishJobFailed("run-1", JobFailedPayload{JobID: "job-2", Stage: "validation", Error: "boom"})

	select {
	case evt := <-completed.C():
		assert.Equal(t, TypeJobCompleted, evt.Type)
		assert.Equal(t, "run-1", evt.RunID)
		payload, ok := evt.Payload.(JobCompletedPayload)
		require.True(t, ok)
		assert.Equal(t, "job-1", payload.JobID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected jobCompleted event")
	}

	select {
	case evt := <-failed.C():
		assert.Equal(t, TypeJobFailed, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("expected jobFailed event")
	}

	// The typed subscription must not see the other event type.
	select {
	case evt := <-completed.C():
		t.Fatalf("unexpected extra event: %v", evt.Type)
	default:
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	all := bus.Subscribe(8)

	bus.PublishSystemAlert(SystemAlertPayload{Level: AlertWarning, Metric: "cpu", Message: "warming up"})
	bus.PublishConcurrencyChanged(ConcurrencyChangedPayload{Stage: "file-analysis", Old: 5, New: 3, Reason: "cpu_critical"})

	var got []Type
	for i := 0; i < 2; i++ {
		select {
		case evt := <-all.C():
			got = append(got, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("expected 2 events")
		}
	}
	assert.ElementsMatch(t, []Type{TypeSystemAlert, TypeConcurrencyChanged}, got)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(1, TypeJobCompleted)
	_ = sub

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			bus.PublishJobCompleted("run-1", JobCompletedPayload{JobID: "j"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
	// One event fits the buffer, the rest are dropped.
	assert.Equal(t, uint64(49), bus.Dropped())
}

func TestBusSubscriptionClose(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(4, TypeSystemAlert)
	sub.Close()
	sub.Close() // idempotent

	bus.PublishSystemAlert(SystemAlertPayload{Level: AlertCritical, Metric: "memory"})

	_, open := <-sub.C()
	assert.False(t, open, "closed subscription channel should be drained and closed")
	assert.Zero(t, bus.Dropped(), "publish to removed subscriber must not count as drop")
}

func TestBusClose(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(4)

	bus.Close()
	bus.Close() // idempotent

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after close is discarded without panic.
	bus.PublishSystemAlert(SystemAlertPayload{Level: AlertWarning, Metric: "cpu"})

	// Subscribing after close yields an already-closed channel.
	late := bus.Subscribe(4, TypeJobCompleted)
	_, open = <-late.C()
	assert.False(t, open)
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus

	bus.PublishJobCompleted("run-1", JobCompletedPayload{JobID: "job-1"})
	bus.PublishSystemAlert(SystemAlertPayload{Level: AlertCritical, Metric: "load"})
	bus.Close()
	assert.Zero(t, bus.Dropped())

	sub := bus.Subscribe(1, TypeJobFailed)
	require.NotNil(t, sub)
	sub.Close()
}
