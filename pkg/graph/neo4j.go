package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// mergeBatchSize bounds one UNWIND statement; larger payloads are split.
const mergeBatchSize = 500

// Neo4jStore implements Store over the bolt protocol. All writes are MERGE
// statements keyed by (id, run_id), so replays after a crash or an outbox
// redelivery are harmless.
type Neo4jStore struct {
	cfg      *config.Neo4jConfig
	timeouts *config.TimeoutRegistry
	driver   neo4j.DriverWithContext
	logger   *slog.Logger
}

// OpenNeo4j dials the graph database and verifies connectivity.
func OpenNeo4j(ctx context.Context, cfg *config.Neo4jConfig, timeouts *config.TimeoutRegistry, logger *slog.Logger) (*Neo4jStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, timeouts.Get(config.CategoryDatabase, config.TimeoutConnect))
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, faults.Transient(fmt.Errorf("failed to connect to neo4j at %s: %w", cfg.URI, err))
	}

	logger = logger.With("component", "graph_store")
	logger.Info("Graph store connected", "uri", cfg.URI, "database", cfg.Database)
	return &Neo4jStore{cfg: cfg, timeouts: timeouts, driver: driver, logger: logger}, nil
}

// Close releases the driver and its connection pool.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the database is still reachable.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Get(config.CategoryDatabase, config.TimeoutConnect))
	defer cancel()
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return faults.Transient(fmt.Errorf("neo4j unreachable: %w", err))
	}
	return nil
}

func (s *Neo4jStore) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.cfg.Database})
}

func (s *Neo4jStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeouts.Get(config.CategoryDatabase, config.TimeoutQuery))
}

// MergeNodes upserts nodes in UNWIND batches and reports how many were new.
func (s *Neo4jStore) MergeNodes(ctx context.Context, runID string, nodes []Node) (WriteSummary, error) {
	const cypher = `
		UNWIND $nodes AS n
		MERGE (e:Entity {id: n.id, run_id: $run_id})
		SET e.kind = n.kind, e.name = n.name
		SET e += coalesce(n.props, {})`

	var total WriteSummary
	for start := 0; start < len(nodes); start += mergeBatchSize {
		batch := nodes[start:min(start+mergeBatchSize, len(nodes))]
		params := make([]map[string]any, len(batch))
		for i, n := range batch {
			params[i] = map[string]any{"id": n.ID, "kind": n.Kind, "name": n.Name, "props": n.Props}
		}
		summary, err := s.write(ctx, cypher, map[string]any{"run_id": runID, "nodes": params})
		if err != nil {
			return total, fmt.Errorf("failed to merge %d nodes: %w", len(batch), err)
		}
		total.NodesCreated += summary.Counters().NodesCreated()
	}
	return total, nil
}

// MergeRelationships upserts edges between already-merged nodes. The edge
// type lives as a property on a single RELATES relationship because Cypher
// cannot parameterize relationship types.
func (s *Neo4jStore) MergeRelationships(ctx context.Context, runID string, rels []Relationship) (WriteSummary, error) {
	const cypher = `
		UNWIND $rels AS r
		MATCH (from:Entity {id: r.from, run_id: $run_id})
		MATCH (to:Entity {id: r.to, run_id: $run_id})
		MERGE (from)-[rel:RELATES {type: r.type}]->(to)
		SET rel += coalesce(r.props, {})`

	var total WriteSummary
	for start := 0; start < len(rels); start += mergeBatchSize {
		batch := rels[start:min(start+mergeBatchSize, len(rels))]
		params := make([]map[string]any, len(batch))
		for i, r := range batch {
			params[i] = map[string]any{"from": r.FromID, "to": r.ToID, "type": r.Type, "props": r.Props}
		}
		summary, err := s.write(ctx, cypher, map[string]any{"run_id": runID, "rels": params})
		if err != nil {
			return total, fmt.Errorf("failed to merge %d relationships: %w", len(batch), err)
		}
		total.RelationshipsCreated += summary.Counters().RelationshipsCreated()
	}
	return total, nil
}

func (s *Neo4jStore) write(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultSummary, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	session := s.session(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return nil, faults.Transient(err)
	}
	return out.(neo4j.ResultSummary), nil
}

// Counts returns the run's graph totals for the benchmark check.
func (s *Neo4jStore) Counts(ctx context.Context, runID string) (Counts, error) {
	const cypher = `
		MATCH (n:Entity {run_id: $run_id})
		WITH count(n) AS nodes
		OPTIONAL MATCH (:Entity {run_id: $run_id})-[r:RELATES]->(:Entity {run_id: $run_id})
		RETURN nodes, count(r) AS rels`

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	session := s.session(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"run_id": runID})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		nodes, _ := record.Get("nodes")
		rels, _ := record.Get("rels")
		return Counts{Nodes: nodes.(int64), Relationships: rels.(int64)}, nil
	})
	if err != nil {
		return Counts{}, faults.Transient(fmt.Errorf("failed to count run graph: %w", err))
	}
	return out.(Counts), nil
}
