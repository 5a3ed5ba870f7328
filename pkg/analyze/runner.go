package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/queue"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// JobContext gives a handler its claimed job plus a stage-scoped logger.
type JobContext struct {
	RunID  string
	Stage  string
	Job    *queue.Job
	Logger *slog.Logger
}

// Row is one outbox event a handler wants published. Payload is marshaled by
// the runner.
type Row struct {
	EventType string
	Payload   any
	DedupeKey string
}

// Mark is the checkpoint a handler records for finished work.
type Mark struct {
	Stage    checkpoint.Stage
	EntityID string
	Metadata map[string]any
}

// Result is a handler's outcome.
type Result struct {
	Rows       []Row
	Checkpoint *Mark
}

// Handler runs one stage's domain logic for a claimed job.
type Handler func(ctx context.Context, jc *JobContext) (*Result, error)

// Binding ties a stage to its handler and checkpoint gate. Gate names the
// checkpoint stage the work drives toward; the prerequisite check demands the
// preceding stage's completed checkpoint for the job's entity. EntityKey
// derives that entity from the payload; an empty key skips the gate.
type Binding struct {
	Stage     string
	Handler   Handler
	Gate      checkpoint.Stage
	EntityKey func(job *queue.Job) (string, error)
}

// Runner composes the checkpoint middleware over stage handlers: gate, run,
// persist rows, record the checkpoint.
type Runner struct {
	store       *store.Store
	checkpoints *checkpoint.Manager
	strict      bool
	logger      *slog.Logger
}

// NewRunner builds the middleware. With strict set, a failed checkpoint
// validation fails the job; otherwise it is logged and the job completes.
func NewRunner(st *store.Store, cps *checkpoint.Manager, strict bool, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:       st,
		checkpoints: cps,
		strict:      strict,
		logger:      logger.With("component", "stage_runner"),
	}
}

// Bind wraps b.Handler into the handler the stage worker consumes.
func (r *Runner) Bind(b Binding) queue.Handler {
	log := r.logger.With("stage", b.Stage)
	return func(ctx context.Context, job *queue.Job) error {
		entity := ""
		if b.EntityKey != nil {
			var err error
			if entity, err = b.EntityKey(job); err != nil {
				return err
			}
		}
		if b.Gate != "" && entity != "" {
			if err := r.checkpoints.CheckPrerequisite(ctx, job.RunID, b.Gate, entity); err != nil {
				return err
			}
		}

		res, err := b.Handler(ctx, &JobContext{
			RunID:  job.RunID,
			Stage:  b.Stage,
			Job:    job,
			Logger: log,
		})
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}

		if err := r.persistRows(ctx, job.RunID, res.Rows); err != nil {
			return err
		}
		return r.record(ctx, job.RunID, res.Checkpoint, log)
	}
}

// persistRows writes every row in one transaction so a retried handler never
// leaves a partial fan-out behind.
func (r *Runner) persistRows(ctx context.Context, runID string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	payloads := make([]string, len(rows))
	for i, row := range rows {
		raw, err := json.Marshal(row.Payload)
		if err != nil {
			return fmt.Errorf("%w: marshal %s payload: %v", faults.ErrValidation, row.EventType, err)
		}
		payloads[i] = string(raw)
	}

	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for i, row := range rows {
			if _, err := store.InsertOutboxTx(ctx, tx, runID, row.EventType, payloads[i], row.DedupeKey); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return faults.Transient(fmt.Errorf("persist outbox rows: %w", err))
	}
	return nil
}

// record creates and immediately completes the handler's checkpoint. A row
// left pending by a crashed earlier attempt is adopted instead of recreated.
func (r *Runner) record(ctx context.Context, runID string, mark *Mark, log *slog.Logger) error {
	if mark == nil {
		return nil
	}

	cp, err := r.checkpoints.Create(ctx, runID, mark.Stage, mark.EntityID, mark.Metadata)
	if errors.Is(err, faults.ErrValidation) {
		cp, err = r.checkpoints.Active(ctx, runID, mark.Stage, mark.EntityID)
	}
	if err != nil {
		return err
	}
	if cp.Status == store.CheckpointCompleted {
		return nil
	}

	done, err := r.checkpoints.Complete(ctx, cp.ID)
	if err == nil {
		return nil
	}
	if errors.Is(err, faults.ErrValidation) && !r.strict {
		detail := ""
		if done != nil && done.Validation != nil {
			detail = strings.Join(done.Validation.Errors, "; ")
		}
		log.Warn("Checkpoint validation failed, continuing",
			"checkpoint_id", cp.ID, "entity_id", mark.EntityID, "errors", detail)
		return nil
	}
	return err
}
