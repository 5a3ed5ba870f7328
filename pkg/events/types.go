// Package events provides the in-process event bus that carries one-way
// notifications between pipeline components.
//
// Components publish typed payloads (see payloads.go) and never hold
// references to their observers; the health monitor, the coordinator's
// failure-rate policy, and the logs all subscribe to the same bus. This keeps
// the worker pool, the system monitor, and the health monitor free of mutual
// object references.
//
// Delivery is best-effort: Publish never blocks a producer. A subscriber
// whose buffer is full loses the event (the bus counts drops). Subscribers
// that need a durable record must persist it themselves — the bus is a
// notification fabric, not a store.
package events

import "time"

// Type identifies one kind of pipeline event.
type Type string

// Pipeline event types.
const (
	// TypeStageStateChange fires when a stage's circuit breaker transitions.
	TypeStageStateChange Type = "stageStateChange"

	// TypeJobCompleted / TypeJobFailed report per-job worker outcomes.
	TypeJobCompleted Type = "jobCompleted"
	TypeJobFailed    Type = "jobFailed"

	// TypeConcurrencyChanged fires when a stage's slot allocation moves.
	TypeConcurrencyChanged Type = "concurrencyChanged"

	// TypeOutboxPublished / TypeOutboxFailed report outbox row outcomes.
	TypeOutboxPublished Type = "outboxPublished"
	TypeOutboxFailed    Type = "outboxFailed"

	// TypeCheckpointCreated / TypeCheckpointInvalidated report checkpoint
	// lifecycle transitions.
	TypeCheckpointCreated     Type = "checkpointCreated"
	TypeCheckpointInvalidated Type = "checkpointInvalidated"

	// TypeSystemAlert carries threshold crossings from the system monitor
	// and critical operational failures from any component.
	TypeSystemAlert Type = "systemAlert"

	// TypeWorkerHealth / TypeDependencyHealth are emitted by the health
	// monitor's periodic loops.
	TypeWorkerHealth     Type = "workerHealth"
	TypeDependencyHealth Type = "dependencyHealth"
)

// AlertLevel grades a system alert.
type AlertLevel string

// Alert levels.
const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Event is the envelope delivered to subscribers. Payload holds one of the
// typed structs from payloads.go, keyed by Type.
type Event struct {
	Type      Type
	RunID     string
	Timestamp time.Time
	Payload   any
}
