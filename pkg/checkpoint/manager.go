package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/metrics"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// Manager owns the checkpoint lifecycle: creation under prerequisite
// enforcement, stage validation on completion, rollback with cache eviction,
// and per-run overhead accounting. SQLite is authoritative; the Redis cache
// only accelerates reads.
type Manager struct {
	store   *store.Store
	cache   *Cache
	bench   *config.BenchmarkConfig
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*runStats
}

type runStats struct {
	started        time.Time
	checkpointTime time.Duration
	writes         int64
}

// NewManager builds a checkpoint manager. cache may be nil when the read
// cache is disabled.
func NewManager(st *store.Store, cache *Cache, bench *config.BenchmarkConfig, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		cache:   cache,
		bench:   bench,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "checkpoint_manager"),
		runs:    make(map[string]*runStats),
	}
}

// StartRun begins overhead accounting for a run. Creating a checkpoint for an
// unknown run starts accounting implicitly.
func (m *Manager) StartRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		m.runs[runID] = &runStats{started: time.Now()}
	}
}

func (m *Manager) recordWrite(runID string, d time.Duration, stage Stage) {
	m.metrics.ObserveCheckpointWrite(string(stage), d)
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.runs[runID]
	if !ok {
		stats = &runStats{started: time.Now()}
		m.runs[runID] = stats
	}
	stats.checkpointTime += d
	stats.writes++
}

// CheckPrerequisite verifies the entity's prior stage is completed. The first
// stage has no prerequisite, and PIPELINE_COMPLETE is run-scoped rather than
// per-entity, so both pass unconditionally.
func (m *Manager) CheckPrerequisite(ctx context.Context, runID string, stage Stage, entityID string) error {
	if !ValidStage(stage) {
		return fmt.Errorf("%w: unknown stage %q", faults.ErrValidation, stage)
	}
	if stage == StagePipelineComplete {
		return nil
	}
	prev, ok := stageBefore(stage)
	if !ok {
		return nil
	}
	row, err := m.store.ActiveCheckpoint(ctx, runID, string(prev), entityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s requires completed %s for entity %s",
				faults.ErrPrerequisite, stage, prev, entityID)
		}
		return err
	}
	if row.Status != store.CheckpointCompleted {
		return fmt.Errorf("%w: %s for entity %s is %s, want completed",
			faults.ErrPrerequisite, prev, entityID, row.Status)
	}
	return nil
}

// Create writes a pending checkpoint after enforcing the stage prerequisite.
// Metadata is fixed at creation; completion only adds the validation verdict.
func (m *Manager) Create(ctx context.Context, runID string, stage Stage, entityID string, metadata map[string]any) (*Checkpoint, error) {
	if err := m.CheckPrerequisite(ctx, runID, stage, entityID); err != nil {
		return nil, err
	}

	metadataJSON := ""
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata not serializable: %v", faults.ErrValidation, err)
		}
		metadataJSON = string(raw)
	}

	start := time.Now()
	row, err := m.store.InsertCheckpoint(ctx, runID, string(stage), entityID, metadataJSON)
	if err != nil {
		return nil, err
	}
	m.recordWrite(runID, time.Since(start), stage)

	cp := &Checkpoint{
		ID:        row.ID,
		RunID:     runID,
		Stage:     stage,
		EntityID:  entityID,
		Status:    row.Status,
		Metadata:  metadata,
		CreatedAt: row.CreatedAt,
	}
	m.cache.Put(ctx, cp)
	m.bus.PublishCheckpointCreated(runID, events.CheckpointCreatedPayload{
		CheckpointID: strconv.FormatInt(cp.ID, 10),
		Stage:        string(stage),
		EntityID:     entityID,
	})
	m.logger.Debug("Checkpoint created",
		"checkpoint_id", cp.ID, "run_id", runID, "stage", stage, "entity_id", entityID)
	return cp, nil
}

// Complete validates the checkpoint's metadata against its stage rules. A
// passing checkpoint flips to completed; a failing one flips to failed and
// surfaces ErrValidation so the caller decides whether that aborts the job.
// State transitions read SQLite directly; the cache is only a read hint.
func (m *Manager) Complete(ctx context.Context, id int64) (*Checkpoint, error) {
	row, err := m.store.CheckpointByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cp, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	if cp.Status != store.CheckpointPending {
		return nil, fmt.Errorf("%w: checkpoint %d is %s, want pending", faults.ErrValidation, id, cp.Status)
	}

	res := Validate(cp, m.bench)
	rawRes, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation result: %w", err)
	}
	cp.Validation = res

	if !res.Valid {
		reason := strings.Join(res.Errors, "; ")
		if err := m.failPersist(ctx, cp, reason, string(rawRes)); err != nil {
			return nil, err
		}
		return cp, fmt.Errorf("%w: stage %s entity %s: %s", faults.ErrValidation, cp.Stage, cp.EntityID, reason)
	}

	start := time.Now()
	if err := m.store.CompleteCheckpoint(ctx, id, string(rawRes)); err != nil {
		return nil, err
	}
	m.recordWrite(cp.RunID, time.Since(start), cp.Stage)

	now := time.Now().UTC()
	cp.Status = store.CheckpointCompleted
	cp.CompletedAt = &now
	m.cache.Put(ctx, cp)
	m.logger.Debug("Checkpoint completed", "checkpoint_id", id, "stage", cp.Stage, "entity_id", cp.EntityID)
	return cp, nil
}

// Fail marks a pending checkpoint failed with an explicit cause, used when
// the stage's work itself errored before validation could run.
func (m *Manager) Fail(ctx context.Context, id int64, cause error) error {
	row, err := m.store.CheckpointByID(ctx, id)
	if err != nil {
		return err
	}
	cp, err := fromRow(row)
	if err != nil {
		return err
	}
	return m.failPersist(ctx, cp, cause.Error(), "")
}

func (m *Manager) failPersist(ctx context.Context, cp *Checkpoint, reason, validationJSON string) error {
	start := time.Now()
	if err := m.store.FailCheckpoint(ctx, cp.ID, reason, validationJSON); err != nil {
		return err
	}
	m.recordWrite(cp.RunID, time.Since(start), cp.Stage)

	now := time.Now().UTC()
	cp.Status = store.CheckpointFailed
	cp.Error = reason
	cp.FailedAt = &now
	m.cache.Evict(ctx, cp.ID)
	m.logger.Warn("Checkpoint failed",
		"checkpoint_id", cp.ID, "stage", cp.Stage, "entity_id", cp.EntityID, "error", reason)
	return nil
}

// GetByID reads a checkpoint through the cache.
func (m *Manager) GetByID(ctx context.Context, id int64) (*Checkpoint, error) {
	if cp := m.cache.Get(ctx, id); cp != nil {
		return cp, nil
	}
	row, err := m.store.CheckpointByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cp, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	m.cache.Put(ctx, cp)
	return cp, nil
}

// Active returns the live (pending or completed) checkpoint for an identity,
// or store.ErrNotFound.
func (m *Manager) Active(ctx context.Context, runID string, stage Stage, entityID string) (*Checkpoint, error) {
	row, err := m.store.ActiveCheckpoint(ctx, runID, string(stage), entityID)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// GetByRunStage lists a run's checkpoints for one stage in creation order.
func (m *Manager) GetByRunStage(ctx context.Context, runID string, stage Stage) ([]*Checkpoint, error) {
	rows, err := m.store.CheckpointsByRunStage(ctx, runID, string(stage))
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// GetLatest returns an entity's most recent non-invalidated checkpoint.
func (m *Manager) GetLatest(ctx context.Context, runID, entityID string) (*Checkpoint, error) {
	row, err := m.store.LatestCheckpoint(ctx, runID, entityID)
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

// Rollback invalidates every checkpoint of the run created after the target,
// exclusive of the target itself, and reports where the run resumes.
func (m *Manager) Rollback(ctx context.Context, checkpointID int64, runID string) (*RollbackResult, error) {
	row, err := m.store.CheckpointByID(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if row.RunID != runID {
		return nil, fmt.Errorf("%w: checkpoint %d belongs to run %s, not %s",
			faults.ErrValidation, checkpointID, row.RunID, runID)
	}

	invalidated, err := m.store.InvalidateCheckpointsAfter(ctx, runID, row)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(invalidated))
	target := strconv.FormatInt(checkpointID, 10)
	for i := range invalidated {
		ids[i] = invalidated[i].ID
		m.bus.PublishCheckpointInvalidated(runID, events.CheckpointInvalidatedPayload{
			CheckpointID: strconv.FormatInt(invalidated[i].ID, 10),
			Stage:        invalidated[i].Stage,
			EntityID:     invalidated[i].EntityID,
			RolledBackTo: target,
		})
	}
	m.cache.Evict(ctx, ids...)
	m.metrics.ObserveCheckpointInvalidated(len(ids))

	next, _ := StageAfter(Stage(row.Stage))
	m.logger.Info("Rolled back run",
		"run_id", runID, "rolled_back_to", checkpointID, "invalidated", len(ids), "next_stage", next)
	return &RollbackResult{RolledBackTo: checkpointID, InvalidatedIDs: ids, NextStage: next}, nil
}

// Overhead reports the share of the run's wall time spent writing
// checkpoints. ok is false for runs this manager never wrote to.
func (m *Manager) Overhead(runID string) (Overhead, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.runs[runID]
	if !ok {
		return Overhead{}, false
	}
	total := time.Since(stats.started)
	o := Overhead{CheckpointTime: stats.checkpointTime, Total: total}
	if total > 0 {
		o.Pct = float64(stats.checkpointTime) / float64(total) * 100
	}
	return o, true
}

// Cleanup deletes finished checkpoints older than the retention window.
// Pending rows are kept regardless of age.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	n, err := m.store.CleanupCheckpoints(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("Checkpoint retention cleanup", "deleted", n, "older_than_days", olderThanDays)
	}
	return n, nil
}

// CleanupRun deletes all of a run's checkpoints and its overhead accounting.
func (m *Manager) CleanupRun(ctx context.Context, runID string) (int64, error) {
	rows, err := m.store.CheckpointsForRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	m.cache.Evict(ctx, ids...)

	n, err := m.store.DeleteCheckpointsForRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	return n, nil
}
