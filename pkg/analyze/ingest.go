package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/graph"
)

// GraphIngestor merges graph batches into the graph store. File batches
// finish with a NEO4J_STORED checkpoint; directory batches merge silently.
type GraphIngestor struct {
	graph  graph.Store
	logger *slog.Logger
}

// NewGraphIngestor builds the graph-ingestion handler.
func NewGraphIngestor(store graph.Store, logger *slog.Logger) *GraphIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphIngestor{graph: store, logger: logger.With("component", "graph_ingestor")}
}

// Handle merges the batch's nodes then relationships. Merges are idempotent,
// so a redelivered batch is harmless; it just reports zero creations.
func (g *GraphIngestor) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	var p GraphBatch
	if err := json.Unmarshal([]byte(jc.Job.Payload), &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable ingestion job: %v", faults.ErrValidation, err)
	}
	if len(p.Nodes) == 0 && len(p.Relationships) == 0 {
		jc.Logger.Warn("Empty graph batch", "checkpoint_entity", p.CheckpointEntity)
		return nil, nil
	}

	nodeSummary, err := g.graph.MergeNodes(ctx, jc.RunID, p.Nodes)
	if err != nil {
		return nil, err
	}
	relSummary, err := g.graph.MergeRelationships(ctx, jc.RunID, p.Relationships)
	if err != nil {
		return nil, err
	}

	jc.Logger.Debug("Graph batch merged",
		"checkpoint_entity", p.CheckpointEntity,
		"nodes_created", nodeSummary.NodesCreated,
		"relationships_created", relSummary.RelationshipsCreated)

	if p.CheckpointEntity == "" {
		return nil, nil
	}
	return &Result{Checkpoint: &Mark{
		Stage:    checkpoint.StageNeo4jStored,
		EntityID: p.CheckpointEntity,
		Metadata: map[string]any{
			"filePath":             p.CheckpointEntity,
			"nodesCreated":         nodeSummary.NodesCreated,
			"relationshipsCreated": relSummary.RelationshipsCreated,
		},
	}}, nil
}
