// Package queue provides the Redis-backed job queues that connect pipeline
// stages: durable job records, lease-based claims with expiry recovery,
// delayed redelivery with exponential backoff, dead-lettering, and the
// per-stage consumer workers that execute jobs through the worker pool.
package queue

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Job states. waiting and delayed jobs are claimable (delayed once due),
// active jobs hold a lease, completed and failed are terminal.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Sentinel errors for queue operations.
var (
	// ErrEmpty indicates no claimable jobs are in the queue.
	ErrEmpty = errors.New("no jobs available")
)

// Job is one unit of queued work.
type Job struct {
	ID          string        `json:"id"`
	Queue       string        `json:"queue"`
	RunID       string        `json:"run_id,omitempty"`
	Payload     string        `json:"payload"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	State       string        `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	LeaseUntil  time.Time     `json:"lease_until,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	DedupeKey   string        `json:"dedupe_key,omitempty"`
	DeadLetter  string        `json:"dead_letter,omitempty"`
}

// AddOptions tune a single enqueue.
type AddOptions struct {
	// RunID ties the job to a pipeline run.
	RunID string

	// Delay schedules the job for later delivery instead of immediate.
	Delay time.Duration

	// MaxAttempts bounds delivery attempts before the job fails (default 3).
	MaxAttempts int

	// Backoff is the initial redelivery delay, doubled per attempt (default 1s).
	Backoff time.Duration

	// DedupeKey suppresses the add when a job with the same key was already
	// enqueued on this queue recently. Empty disables deduplication.
	DedupeKey string

	// DeadLetter names the queue that receives the payload once attempts
	// are exhausted. Empty disables dead-lettering.
	DeadLetter string
}

// Counts is a point-in-time queue depth snapshot by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Backlog is the number of jobs that still need work.
func (c Counts) Backlog() int64 {
	return c.Waiting + c.Delayed + c.Active
}

const (
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second

	// dedupeTTL bounds how long an idempotency key suppresses duplicate adds.
	dedupeTTL = 24 * time.Hour
)

// Redis key layout, one namespace per logical queue:
//
//	gs:q:<queue>:id        counter for job IDs
//	gs:q:<queue>:waiting   LIST, producers LPUSH, consumers pop from the right
//	gs:q:<queue>:active    LIST of claimed job IDs
//	gs:q:<queue>:delayed   ZSET scored by ready-at (unix ms)
//	gs:q:<queue>:completed ZSET scored by finished-at (unix ms)
//	gs:q:<queue>:failed    ZSET scored by finished-at (unix ms)
//	gs:q:<queue>:leases    ZSET scored by lease expiry (unix ms)
//	gs:q:<queue>:job:<id>  HASH holding the job record
//	gs:dedupe:<queue>:<key>  idempotency guard
const keyPrefix = "gs:q:"

type queueKeys struct {
	q string
}

func keysFor(q string) queueKeys { return queueKeys{q: q} }

func (k queueKeys) id() string        { return keyPrefix + k.q + ":id" }
func (k queueKeys) waiting() string   { return keyPrefix + k.q + ":waiting" }
func (k queueKeys) active() string    { return keyPrefix + k.q + ":active" }
func (k queueKeys) delayed() string   { return keyPrefix + k.q + ":delayed" }
func (k queueKeys) completed() string { return keyPrefix + k.q + ":completed" }
func (k queueKeys) failed() string    { return keyPrefix + k.q + ":failed" }
func (k queueKeys) leases() string    { return keyPrefix + k.q + ":leases" }

func (k queueKeys) job(id string) string { return keyPrefix + k.q + ":job:" + id }

func dedupeGuardKey(q, key string) string { return "gs:dedupe:" + q + ":" + key }

// hash maps a Job onto its redis hash representation.
func (j *Job) hash() map[string]any {
	return map[string]any{
		"id":           j.ID,
		"queue":        j.Queue,
		"run_id":       j.RunID,
		"payload":      j.Payload,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"backoff_ms":   j.Backoff.Milliseconds(),
		"state":        j.State,
		"created_at":   j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"lease_until":  formatNullableTime(j.LeaseUntil),
		"last_error":   j.LastError,
		"dedupe_key":   j.DedupeKey,
		"dead_letter":  j.DeadLetter,
	}
}

func jobFromHash(fields map[string]string) (*Job, error) {
	if len(fields) == 0 || fields["id"] == "" {
		return nil, fmt.Errorf("job hash is empty")
	}
	j := &Job{
		ID:         fields["id"],
		Queue:      fields["queue"],
		RunID:      fields["run_id"],
		Payload:    fields["payload"],
		State:      fields["state"],
		LastError:  fields["last_error"],
		DedupeKey:  fields["dedupe_key"],
		DeadLetter: fields["dead_letter"],
	}
	var err error
	if j.Attempts, err = strconv.Atoi(zeroIfEmpty(fields["attempts"])); err != nil {
		return nil, fmt.Errorf("job %s: bad attempts: %w", j.ID, err)
	}
	if j.MaxAttempts, err = strconv.Atoi(zeroIfEmpty(fields["max_attempts"])); err != nil {
		return nil, fmt.Errorf("job %s: bad max_attempts: %w", j.ID, err)
	}
	backoffMS, err := strconv.ParseInt(zeroIfEmpty(fields["backoff_ms"]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad backoff_ms: %w", j.ID, err)
	}
	j.Backoff = time.Duration(backoffMS) * time.Millisecond
	for field, dst := range map[string]*time.Time{
		"created_at":  &j.CreatedAt,
		"updated_at":  &j.UpdatedAt,
		"lease_until": &j.LeaseUntil,
	} {
		raw := fields[field]
		if raw == "" {
			continue
		}
		t, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr != nil {
			return nil, fmt.Errorf("job %s: bad %s: %w", j.ID, field, parseErr)
		}
		*dst = t
	}
	return j, nil
}

func formatNullableTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// redeliveryDelay is the exponential backoff applied before a failed job is
// delivered again: initial × 2^(attempts-1).
func redeliveryDelay(initial time.Duration, attempts int) time.Duration {
	d := initial
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
