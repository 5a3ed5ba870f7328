// Package checkpoint records pipeline progress per entity per stage: creation
// with prerequisite enforcement, stage-specific validation, rollback with
// cache eviction, and the end-of-run benchmark assertion.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/graphsmith/graphsmith/pkg/store"
)

// Stage is one step of the canonical per-entity progression.
type Stage string

// Canonical stage order. A checkpoint at stage k requires the entity's
// checkpoint at stage k-1 to be completed; PIPELINE_COMPLETE is run-scoped
// and closes the run as a whole.
const (
	StageFileLoaded         Stage = "FILE_LOADED"
	StageEntitiesExtracted  Stage = "ENTITIES_EXTRACTED"
	StageRelationshipsBuilt Stage = "RELATIONSHIPS_BUILT"
	StageNeo4jStored        Stage = "NEO4J_STORED"
	StagePipelineComplete   Stage = "PIPELINE_COMPLETE"
)

var stageOrder = []Stage{
	StageFileLoaded,
	StageEntitiesExtracted,
	StageRelationshipsBuilt,
	StageNeo4jStored,
	StagePipelineComplete,
}

func stageIndex(s Stage) int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// ValidStage reports whether s is one of the canonical stages.
func ValidStage(s Stage) bool { return stageIndex(s) >= 0 }

// StageAfter returns the stage following s, or false at the end of the
// progression.
func StageAfter(s Stage) (Stage, bool) {
	i := stageIndex(s)
	if i < 0 || i+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[i+1], true
}

// stageBefore returns the prerequisite stage, or false for the first stage.
func stageBefore(s Stage) (Stage, bool) {
	i := stageIndex(s)
	if i <= 0 {
		return "", false
	}
	return stageOrder[i-1], true
}

// ValidationResult is the outcome of the stage-specific rules applied to a
// checkpoint's metadata.
type ValidationResult struct {
	Valid     bool      `json:"valid"`
	Errors    []string  `json:"errors,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checkpoint is the domain view of a checkpoint row with its JSON columns
// decoded.
type Checkpoint struct {
	ID          int64             `json:"id"`
	RunID       string            `json:"run_id"`
	Stage       Stage             `json:"stage"`
	EntityID    string            `json:"entity_id"`
	Status      string            `json:"status"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
}

// RollbackResult reports what a rollback invalidated and where the entity
// resumes.
type RollbackResult struct {
	RolledBackTo   int64   `json:"rolled_back_to"`
	InvalidatedIDs []int64 `json:"invalidated_ids"`
	NextStage      Stage   `json:"next_stage"`
}

// Overhead reports how much of a run's wall time went into checkpoint writes.
type Overhead struct {
	CheckpointTime time.Duration `json:"checkpoint_time"`
	Total          time.Duration `json:"total"`
	Pct            float64       `json:"pct"`
}

func fromRow(row *store.CheckpointRow) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:          row.ID,
		RunID:       row.RunID,
		Stage:       Stage(row.Stage),
		EntityID:    row.EntityID,
		Status:      row.Status,
		CreatedAt:   row.CreatedAt,
		CompletedAt: row.CompletedAt,
		FailedAt:    row.FailedAt,
	}
	if row.Error != nil {
		cp.Error = *row.Error
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint %d: bad metadata json: %w", row.ID, err)
		}
	}
	if row.ValidationJSON != nil && *row.ValidationJSON != "" {
		var v ValidationResult
		if err := json.Unmarshal([]byte(*row.ValidationJSON), &v); err != nil {
			return nil, fmt.Errorf("checkpoint %d: bad validation json: %w", row.ID, err)
		}
		cp.Validation = &v
	}
	return cp, nil
}

func fromRows(rows []store.CheckpointRow) ([]*Checkpoint, error) {
	out := make([]*Checkpoint, 0, len(rows))
	for i := range rows {
		cp, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
