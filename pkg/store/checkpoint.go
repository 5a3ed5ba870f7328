package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/graphsmith/graphsmith/pkg/faults"
)

// Checkpoint row statuses. Allowed transitions: pending → completed,
// pending → failed, any → invalidated (rollback only).
const (
	CheckpointPending     = "pending"
	CheckpointCompleted   = "completed"
	CheckpointFailed      = "failed"
	CheckpointInvalidated = "invalidated"
)

// CheckpointRow is one per-stage checkpoint for an entity within a run.
type CheckpointRow struct {
	ID             int64      `db:"id"`
	RunID          string     `db:"run_id"`
	Stage          string     `db:"stage"`
	EntityID       string     `db:"entity_id"`
	Status         string     `db:"status"`
	MetadataJSON   string     `db:"metadata_json"`
	ValidationJSON *string    `db:"validation_json"`
	Error          *string    `db:"error"`
	CreatedAt      time.Time  `db:"created_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	FailedAt       *time.Time `db:"failed_at"`
}

// InsertCheckpoint writes a pending checkpoint. A live checkpoint already
// holding the (run, stage, entity) identity surfaces as ErrValidation.
func (s *Store) InsertCheckpoint(ctx context.Context, runID, stage, entityID, metadataJSON string) (*CheckpointRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, stage, entity_id, status, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, stage, entityID, CheckpointPending, metadataJSON, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: checkpoint already exists for run %s stage %s entity %s",
				faults.ErrValidation, runID, stage, entityID)
		}
		return nil, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &CheckpointRow{
		ID:           id,
		RunID:        runID,
		Stage:        stage,
		EntityID:     entityID,
		Status:       CheckpointPending,
		MetadataJSON: metadataJSON,
		CreatedAt:    now,
	}, nil
}

// CheckpointByID fetches one checkpoint.
func (s *Store) CheckpointByID(ctx context.Context, id int64) (*CheckpointRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var row CheckpointRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("checkpoint %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return &row, nil
}

// ActiveCheckpoint returns the live (pending or completed) checkpoint for an
// identity, or ErrNotFound.
func (s *Store) ActiveCheckpoint(ctx context.Context, runID, stage, entityID string) (*CheckpointRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var row CheckpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM checkpoints
		WHERE run_id = ? AND stage = ? AND entity_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		runID, stage, entityID, CheckpointPending, CheckpointCompleted)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("checkpoint for run %s stage %s entity %s: %w",
				runID, stage, entityID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load active checkpoint: %w", err)
	}
	return &row, nil
}

// CheckpointsByRunStage lists a run's checkpoints for one stage in creation
// order.
func (s *Store) CheckpointsByRunStage(ctx context.Context, runID, stage string) ([]CheckpointRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var rows []CheckpointRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM checkpoints
		WHERE run_id = ? AND stage = ?
		ORDER BY created_at, id`,
		runID, stage); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return rows, nil
}

// LatestCheckpoint returns an entity's newest non-invalidated checkpoint
// across stages, or ErrNotFound.
func (s *Store) LatestCheckpoint(ctx context.Context, runID, entityID string) (*CheckpointRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var row CheckpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM checkpoints
		WHERE run_id = ? AND entity_id = ? AND status != ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		runID, entityID, CheckpointInvalidated)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("checkpoint for run %s entity %s: %w", runID, entityID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return &row, nil
}

// CheckpointsForRun lists every checkpoint of a run in creation order.
func (s *Store) CheckpointsForRun(ctx context.Context, runID string) ([]CheckpointRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var rows []CheckpointRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM checkpoints WHERE run_id = ? ORDER BY created_at, id`, runID); err != nil {
		return nil, fmt.Errorf("failed to list run checkpoints: %w", err)
	}
	return rows, nil
}

// CompleteCheckpoint transitions pending → completed with the validation
// result that justified it.
func (s *Store) CompleteCheckpoint(ctx context.Context, id int64, validationJSON string) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, validation_json = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		CheckpointCompleted, validationJSON, time.Now().UTC(), id, CheckpointPending)
	if err != nil {
		return fmt.Errorf("failed to complete checkpoint: %w", err)
	}
	return requireRow(res, "pending checkpoint", id)
}

// FailCheckpoint transitions pending → failed recording what went wrong.
func (s *Store) FailCheckpoint(ctx context.Context, id int64, errMsg, validationJSON string) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = ?, error = ?, validation_json = ?, failed_at = ?
		WHERE id = ? AND status = ?`,
		CheckpointFailed, errMsg, validationJSON, time.Now().UTC(), id, CheckpointPending)
	if err != nil {
		return fmt.Errorf("failed to fail checkpoint: %w", err)
	}
	return requireRow(res, "pending checkpoint", id)
}

// InvalidateCheckpointsAfter flips every non-invalidated checkpoint of a run
// created strictly after the target (ties broken by id) to invalidated, and
// returns the rows it flipped. The target itself is never invalidated.
func (s *Store) InvalidateCheckpointsAfter(ctx context.Context, runID string, target *CheckpointRow) ([]CheckpointRow, error) {
	var rows []CheckpointRow
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &rows, `
			SELECT * FROM checkpoints
			WHERE run_id = ? AND status != ?
			  AND (created_at > ? OR (created_at = ? AND id > ?))
			ORDER BY created_at, id`,
			runID, CheckpointInvalidated, target.CreatedAt, target.CreatedAt, target.ID); err != nil {
			return fmt.Errorf("failed to select checkpoints to invalidate: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		query, args, err := sqlx.In(
			`UPDATE checkpoints SET status = ? WHERE id IN (?)`,
			CheckpointInvalidated, ids)
		if err != nil {
			return fmt.Errorf("failed to build invalidation query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to invalidate checkpoints: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Status = CheckpointInvalidated
	}
	return rows, nil
}

// CleanupCheckpoints deletes terminal checkpoints created before cutoff.
// Pending rows are never cleaned; they belong to in-flight work.
func (s *Store) CleanupCheckpoints(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE status != ? AND created_at < ?`,
		CheckpointPending, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// DeleteCheckpointsForRun removes every checkpoint of a run.
func (s *Store) DeleteCheckpointsForRun(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// isUniqueViolation reports whether err is the partial unique index on the
// checkpoint identity firing.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
