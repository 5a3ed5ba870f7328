package events

import "time"

// StageStateChangePayload reports a circuit breaker transition for a stage.
type StageStateChangePayload struct {
	Stage  string `json:"stage"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// JobCompletedPayload reports a successfully processed queue job.
type JobCompletedPayload struct {
	JobID    string        `json:"job_id"`
	Queue    string        `json:"queue"`
	Stage    string        `json:"stage"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration_ns"`
}

// JobFailedPayload reports a job whose attempt failed. DeadLettered is true
// only when retries are exhausted and the job was routed to the dead-letter
// queue.
type JobFailedPayload struct {
	JobID        string `json:"job_id"`
	Queue        string `json:"queue"`
	Stage        string `json:"stage"`
	Error        string `json:"error"`
	Attempts     int    `json:"attempts"`
	Requeued     bool   `json:"requeued"`
	DeadLettered bool   `json:"dead_lettered,omitempty"`
}

// ConcurrencyChangedPayload reports a stage slot-limit adjustment made by the
// adaptive scaler or an operator.
type ConcurrencyChangedPayload struct {
	Stage  string `json:"stage"`
	Old    int    `json:"old"`
	New    int    `json:"new"`
	Reason string `json:"reason"`
}

// OutboxPublishedPayload reports an outbox row handed to its target queue.
// Deduplicated is true when the queue suppressed the job because an
// equivalent one was already enqueued for the same idempotency key.
type OutboxPublishedPayload struct {
	RowID        int64  `json:"row_id"`
	EventType    string `json:"event_type"`
	Queue        string `json:"queue"`
	JobID        string `json:"job_id,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// OutboxFailedPayload reports an outbox row that exhausted its publish
// attempts and was parked as failed.
type OutboxFailedPayload struct {
	RowID     int64  `json:"row_id"`
	EventType string `json:"event_type"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error"`
}

// CheckpointCreatedPayload reports a new checkpoint row.
type CheckpointCreatedPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Stage        string `json:"stage"`
	EntityID     string `json:"entity_id"`
}

// CheckpointInvalidatedPayload reports a checkpoint invalidated by a
// rollback. RolledBackTo names the checkpoint the run was rolled back to.
type CheckpointInvalidatedPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Stage        string `json:"stage"`
	EntityID     string `json:"entity_id"`
	RolledBackTo string `json:"rolled_back_to"`
}

// SystemAlertPayload carries a resource threshold crossing or a critical
// operational failure.
type SystemAlertPayload struct {
	Level     AlertLevel `json:"level"`
	Metric    string     `json:"metric"`
	Value     float64    `json:"value,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
	Message   string     `json:"message"`
}

// WorkerHealthPayload is emitted per worker by the health monitor's worker
// loop.
type WorkerHealthPayload struct {
	WorkerID      string `json:"worker_id"`
	Stage         string `json:"stage"`
	Healthy       bool   `json:"healthy"`
	JobsProcessed int64  `json:"jobs_processed"`
	Detail        string `json:"detail,omitempty"`
}

// DependencyHealthPayload is emitted when a dependency probe changes state or
// confirms an existing one.
type DependencyHealthPayload struct {
	Name                string `json:"name"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	Error               string `json:"error,omitempty"`
	Recovered           bool   `json:"recovered,omitempty"`
}
