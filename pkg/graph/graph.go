// Package graph persists the code knowledge graph. The pipeline's ingestion
// stage merges nodes and relationships per run; the final benchmark check
// reads the run's totals back.
package graph

import "context"

// Node is one code entity destined for the graph. Kind carries the entity
// type (function, class, file, module) as a property because labels cannot
// be parameterized in Cypher.
type Node struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Name  string         `json:"name"`
	Props map[string]any `json:"props,omitempty"`
}

// Relationship is a typed edge between two nodes of the same run.
type Relationship struct {
	FromID string         `json:"from"`
	ToID   string         `json:"to"`
	Type   string         `json:"type"`
	Props  map[string]any `json:"props,omitempty"`
}

// WriteSummary reports what a merge batch actually created. Merges are
// idempotent, so replayed batches report zero creations.
type WriteSummary struct {
	NodesCreated         int `json:"nodes_created"`
	RelationshipsCreated int `json:"relationships_created"`
}

// Counts holds one run's graph totals.
type Counts struct {
	Nodes         int64 `json:"nodes"`
	Relationships int64 `json:"relationships"`
}

// Store is the seam the ingestion stage and the coordinator depend on.
type Store interface {
	MergeNodes(ctx context.Context, runID string, nodes []Node) (WriteSummary, error)
	MergeRelationships(ctx context.Context, runID string, rels []Relationship) (WriteSummary, error)
	Counts(ctx context.Context, runID string) (Counts, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
