// Package analyze holds the domain stage handlers: LLM-backed extraction and
// resolution, deterministic validation and reconciliation, and graph
// ingestion. A handler returns outbox rows plus an optional checkpoint; the
// runner persists both and yields the queue handler the stage worker runs.
package analyze

import (
	"encoding/json"
	"fmt"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/outbox"
	"github.com/graphsmith/graphsmith/pkg/queue"
)

// Outbox event types. Each maps to exactly one downstream queue; see
// DefaultRoutes.
const (
	EventPOIDiscovered          = "poi-discovered"
	EventFileAnalyzed           = "file-analyzed"
	EventDirectoryAggregated    = "directory-aggregated"
	EventDirectoryResolved      = "directory-resolved"
	EventRelationshipsResolved  = "relationships-resolved"
	EventRelationshipsValidated = "relationships-validated"
	EventGraphBatchReady        = "graph-batch-ready"
)

// POI is one point of interest extracted from a source file.
type POI struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// RelationshipEdge is one resolved relationship between two POIs.
type RelationshipEdge struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence,omitempty"`
	Evidence   string  `json:"evidence,omitempty"`
}

// FileJob is the producer's payload on the file-analysis queue.
type FileJob struct {
	FilePath string `json:"file_path"`
	Language string `json:"language,omitempty"`
}

// POIDiscovered fans one extracted POI toward relationship resolution. Rows
// for the same file share a dedupe key, so the publisher collapses them into
// a single per-file resolution job; the authoritative entity list lives in
// the file's ENTITIES_EXTRACTED checkpoint, not in this payload.
type POIDiscovered struct {
	FilePath string `json:"file_path"`
	POI      POI    `json:"poi"`
}

// FileAnalyzed rolls one file's extraction up to its directory. The dedupe
// key is the directory, so each directory aggregates once per run.
type FileAnalyzed struct {
	FilePath    string `json:"file_path"`
	Directory   string `json:"directory"`
	EntityCount int    `json:"entity_count"`
}

// DirectoryAggregated summarises the analyzed files of one directory.
type DirectoryAggregated struct {
	Directory   string         `json:"directory"`
	Files       []string       `json:"files"`
	EntityCount int            `json:"entity_count"`
	Kinds       map[string]int `json:"kinds,omitempty"`
}

// RelationshipsResolved carries the relationships the LLM inferred for one
// file's entities.
type RelationshipsResolved struct {
	FilePath      string             `json:"file_path"`
	Relationships []RelationshipEdge `json:"relationships"`
}

// RelationshipsValidated is the post-validation edge set for one file.
type RelationshipsValidated struct {
	FilePath      string             `json:"file_path"`
	Relationships []RelationshipEdge `json:"relationships"`
	Dropped       int                `json:"dropped,omitempty"`
}

// GraphBatch is a ready-to-merge slice of the graph. CheckpointEntity names
// the file the batch finishes; it is empty for batches outside the per-file
// checkpoint chain, such as directory summary nodes.
type GraphBatch struct {
	CheckpointEntity string               `json:"checkpoint_entity,omitempty"`
	Nodes            []graph.Node         `json:"nodes"`
	Relationships    []graph.Relationship `json:"relationships,omitempty"`
}

// DefaultRoutes maps every event type to its downstream queue, carrying the
// target stage's retry policy onto the enqueued jobs.
func DefaultRoutes(stages *config.StageRegistry) (outbox.Routes, error) {
	targets := map[string]string{
		EventPOIDiscovered:          config.StageRelationshipResolution,
		EventFileAnalyzed:           config.StageDirectoryAggregation,
		EventDirectoryAggregated:    config.StageDirectoryResolution,
		EventDirectoryResolved:      config.StageGraphIngestion,
		EventRelationshipsResolved:  config.StageValidation,
		EventRelationshipsValidated: config.StageReconciliation,
		EventGraphBatchReady:        config.StageGraphIngestion,
	}

	routes := make(outbox.Routes, len(targets))
	for event, stage := range targets {
		sc, err := stages.Get(stage)
		if err != nil {
			return nil, err
		}
		routes[event] = outbox.Route{
			Queue:       sc.QueueName,
			MaxAttempts: sc.MaxAttempts,
			DeadLetter:  sc.DeadLetterQueue,
		}
	}
	return routes, nil
}

// FileEntityKey reads file_path from any file-scoped payload.
func FileEntityKey(job *queue.Job) (string, error) {
	var p struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return "", fmt.Errorf("%w: undecodable payload on %s: %v", faults.ErrValidation, job.Queue, err)
	}
	return p.FilePath, nil
}

// BatchEntityKey reads the checkpoint entity from a graph batch. Batches
// without one, such as directory nodes, skip the checkpoint gate.
func BatchEntityKey(job *queue.Job) (string, error) {
	var p struct {
		CheckpointEntity string `json:"checkpoint_entity"`
	}
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return "", fmt.Errorf("%w: undecodable payload on %s: %v", faults.ErrValidation, job.Queue, err)
	}
	return p.CheckpointEntity, nil
}
