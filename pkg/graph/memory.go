package graph

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and local dry runs. It
// mirrors the Neo4j merge semantics: writes are idempotent per (run, id) and
// relationships require both endpoints to exist.
type MemoryStore struct {
	mu    sync.Mutex
	err   error
	nodes map[string]map[string]Node
	rels  map[string]map[string]Relationship
}

// NewMemoryStore returns an empty in-memory graph.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]map[string]Node),
		rels:  make(map[string]map[string]Relationship),
	}
}

// SetErr makes every subsequent call fail with err until reset with nil.
func (s *MemoryStore) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryStore) MergeNodes(_ context.Context, runID string, nodes []Node) (WriteSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return WriteSummary{}, s.err
	}

	run, ok := s.nodes[runID]
	if !ok {
		run = make(map[string]Node)
		s.nodes[runID] = run
	}
	var summary WriteSummary
	for _, n := range nodes {
		if _, exists := run[n.ID]; !exists {
			summary.NodesCreated++
		}
		run[n.ID] = n
	}
	return summary, nil
}

func (s *MemoryStore) MergeRelationships(_ context.Context, runID string, rels []Relationship) (WriteSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return WriteSummary{}, s.err
	}

	nodes := s.nodes[runID]
	run, ok := s.rels[runID]
	if !ok {
		run = make(map[string]Relationship)
		s.rels[runID] = run
	}
	var summary WriteSummary
	for _, r := range rels {
		if _, fromOK := nodes[r.FromID]; !fromOK {
			continue
		}
		if _, toOK := nodes[r.ToID]; !toOK {
			continue
		}
		key := r.FromID + "\x00" + r.Type + "\x00" + r.ToID
		if _, exists := run[key]; !exists {
			summary.RelationshipsCreated++
		}
		run[key] = r
	}
	return summary, nil
}

func (s *MemoryStore) Counts(_ context.Context, runID string) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Counts{}, s.err
	}
	return Counts{
		Nodes:         int64(len(s.nodes[runID])),
		Relationships: int64(len(s.rels[runID])),
	}, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// Node returns a stored node for assertions in tests.
func (s *MemoryStore) Node(runID, id string) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[runID][id]
	return n, ok
}
