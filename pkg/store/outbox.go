package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Outbox row statuses. Transitions are monotonic
// pending → publishing → published|failed, except publishing → pending,
// which only stale-claim recovery performs.
const (
	OutboxPending    = "pending"
	OutboxPublishing = "publishing"
	OutboxPublished  = "published"
	OutboxFailed     = "failed"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("row not found")

// OutboxRow is one pending downstream event, written in the same transaction
// as the data mutation that produced it.
type OutboxRow struct {
	ID            int64      `db:"id"`
	RunID         string     `db:"run_id"`
	EventType     string     `db:"event_type"`
	Payload       string     `db:"payload"`
	DedupeKey     string     `db:"dedupe_key"`
	Status        string     `db:"status"`
	Attempts      int        `db:"attempts"`
	LastError     *string    `db:"last_error"`
	ClaimedAt     *time.Time `db:"claimed_at"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	CreatedAt     time.Time  `db:"created_at"`
	PublishedAt   *time.Time `db:"published_at"`
}

const insertOutboxSQL = `
	INSERT INTO outbox (run_id, event_type, payload, dedupe_key, status, attempts, created_at)
	VALUES (?, ?, ?, ?, ?, 0, ?)`

// InsertOutbox writes a pending outbox row outside any caller transaction.
// dedupeKey scopes downstream idempotency; empty means the publisher derives
// the key from the full payload.
func (s *Store) InsertOutbox(ctx context.Context, runID, eventType, payload, dedupeKey string) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, insertOutboxSQL,
		runID, eventType, payload, dedupeKey, OutboxPending, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox row: %w", err)
	}
	return res.LastInsertId()
}

// InsertOutboxTx writes a pending outbox row inside the caller's transaction,
// so the event and the data mutation that produced it commit atomically.
func InsertOutboxTx(ctx context.Context, tx *sqlx.Tx, runID, eventType, payload, dedupeKey string) (int64, error) {
	res, err := tx.ExecContext(ctx, insertOutboxSQL,
		runID, eventType, payload, dedupeKey, OutboxPending, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox row: %w", err)
	}
	return res.LastInsertId()
}

// ClaimOutboxBatch flips up to limit due pending rows to publishing and
// returns them in created_at order (ties by id). A row is due when it has no
// next_attempt_at or its next_attempt_at has passed.
func (s *Store) ClaimOutboxBatch(ctx context.Context, limit int) ([]OutboxRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	var rows []OutboxRow
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &rows, `
			SELECT * FROM outbox
			WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY created_at, id
			LIMIT ?`,
			OutboxPending, now, limit); err != nil {
			return fmt.Errorf("failed to select claimable outbox rows: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		query, args, err := sqlx.In(`
			UPDATE outbox SET status = ?, claimed_at = ?
			WHERE id IN (?) AND status = ?`,
			OutboxPublishing, now, ids, OutboxPending)
		if err != nil {
			return fmt.Errorf("failed to build outbox claim query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to claim outbox rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	claimedAt := now
	for i := range rows {
		rows[i].Status = OutboxPublishing
		rows[i].ClaimedAt = &claimedAt
	}
	return rows, nil
}

// MarkOutboxPublished finishes a claimed row.
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, published_at = ?
		WHERE id = ? AND status = ?`,
		OutboxPublished, time.Now().UTC(), id, OutboxPublishing)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row published: %w", err)
	}
	return requireRow(res, "outbox row", id)
}

// MarkOutboxRetry records a failed publish attempt. The row keeps its
// publishing status and claim; stale-claim recovery returns it to pending
// once the claim lease expires, and the claim query holds it back until
// nextAttemptAt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastErr string) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		attempts, nextAttemptAt.UTC(), lastErr, id, OutboxPublishing)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row for retry: %w", err)
	}
	return requireRow(res, "outbox row", id)
}

// MarkOutboxFailed retires a row whose publish attempts are exhausted.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, last_error = ?
		WHERE id = ? AND status = ?`,
		OutboxFailed, attempts, lastErr, id, OutboxPublishing)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row failed: %w", err)
	}
	return requireRow(res, "outbox row", id)
}

// ReleaseStaleOutboxClaims returns publishing rows whose claim is older than
// olderThan to pending. This is the only publishing → pending transition.
func (s *Store) ReleaseStaleOutboxClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, claimed_at = NULL
		WHERE status = ? AND claimed_at <= ?`,
		OutboxPending, OutboxPublishing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale outbox claims: %w", err)
	}
	return res.RowsAffected()
}

// OutboxByID fetches one row.
func (s *Store) OutboxByID(ctx context.Context, id int64) (*OutboxRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var row OutboxRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM outbox WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("outbox row %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load outbox row: %w", err)
	}
	return &row, nil
}

// OutboxCounts returns the row count per status.
func (s *Store) OutboxCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM outbox GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count outbox rows: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// OutboxForRun lists a run's rows in creation order, for reports and tests.
func (s *Store) OutboxForRun(ctx context.Context, runID string) ([]OutboxRow, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var rows []OutboxRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM outbox WHERE run_id = ? ORDER BY created_at, id`, runID); err != nil {
		return nil, fmt.Errorf("failed to list outbox rows: %w", err)
	}
	return rows, nil
}

// CleanupOutbox deletes terminal rows created before cutoff.
func (s *Store) CleanupOutbox(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE status IN (?, ?) AND created_at < ?`,
		OutboxPublished, OutboxFailed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox rows: %w", err)
	}
	return res.RowsAffected()
}
