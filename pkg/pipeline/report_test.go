package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/queue"
	"github.com/graphsmith/graphsmith/pkg/store"
)

type finalizeFixture struct {
	coordinator *Coordinator
	stack       *stack
	graph       *graph.MemoryStore
}

func newFinalizeFixture(t *testing.T, bench *config.BenchmarkConfig) *finalizeFixture {
	t.Helper()
	timeouts, err := config.NewTimeoutRegistry(config.ProfileTesting)
	require.NoError(t, err)
	cfg := &config.Config{
		Profile:    config.ProfileTesting,
		Pipeline:   &config.PipelineConfig{TargetDirectory: "/src/app"},
		Benchmarks: bench,
		Timeouts:   timeouts,
		Stages:     config.NewStageRegistry(config.DefaultStageConfigs()),
	}

	mr := miniredis.RunT(t)
	queues := queue.NewManager(&config.RedisConfig{URL: "redis://" + mr.Addr()}, timeouts, nil, nil)
	require.NoError(t, queues.Connect(context.Background()))
	t.Cleanup(func() { _ = queues.Close() })

	st, err := store.Open(context.Background(),
		&config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "graphsmith.db")}, timeouts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	g := graph.NewMemoryStore()
	return &finalizeFixture{
		coordinator: New(cfg, Deps{}),
		stack: &stack{
			bus:         bus,
			store:       st,
			graph:       g,
			queues:      queues,
			checkpoints: checkpoint.NewManager(st, nil, bench, bus, nil, nil),
		},
		graph: g,
	}
}

// growGraph merges n nodes and a relationship chain between them.
func (f *finalizeFixture) growGraph(t *testing.T, runID string, n int) {
	t.Helper()
	ctx := context.Background()
	nodes := make([]graph.Node, n)
	for i := range nodes {
		nodes[i] = graph.Node{ID: string(rune('a' + i)), Kind: "function", Name: "fn"}
	}
	_, err := f.graph.MergeNodes(ctx, runID, nodes)
	require.NoError(t, err)

	rels := make([]graph.Relationship, 0, n-1)
	for i := 1; i < n; i++ {
		rels = append(rels, graph.Relationship{FromID: nodes[i-1].ID, ToID: nodes[i].ID, Type: "CALLS"})
	}
	_, err = f.graph.MergeRelationships(ctx, runID, rels)
	require.NoError(t, err)
}

func TestFinalizeRecordsCompletion(t *testing.T) {
	f := newFinalizeFixture(t, &config.BenchmarkConfig{MinNodes: 3, MinRelationships: 2, MaxDuration: time.Minute})
	f.stack.checkpoints.StartRun("run-1")
	f.growGraph(t, "run-1", 4)

	rep := f.coordinator.finalize(context.Background(), f.stack, "run-1", time.Now().Add(-time.Second), 4, nil)
	require.NotNil(t, rep)
	assert.Equal(t, "completed", rep.Outcome)
	assert.True(t, rep.BenchmarksMet)
	assert.Empty(t, rep.BenchmarkIssues)
	assert.Equal(t, int64(4), rep.Nodes)
	assert.Equal(t, int64(3), rep.Relationships)

	rows, err := f.stack.store.CheckpointsForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, string(checkpoint.StagePipelineComplete), rows[0].Stage)
	assert.Equal(t, store.CheckpointCompleted, rows[0].Status)
}

func TestFinalizeBenchmarkMiss(t *testing.T) {
	f := newFinalizeFixture(t, &config.BenchmarkConfig{MinNodes: 50, MinRelationships: 2, MaxDuration: time.Minute})
	f.stack.checkpoints.StartRun("run-1")
	f.growGraph(t, "run-1", 4)

	rep := f.coordinator.finalize(context.Background(), f.stack, "run-1", time.Now(), 4, nil)
	assert.Equal(t, "completed", rep.Outcome)
	assert.False(t, rep.BenchmarksMet)
	require.NotEmpty(t, rep.BenchmarkIssues)
	assert.Contains(t, rep.BenchmarkIssues[0], "totalNodes")

	// The completion checkpoint exists and is failed.
	rows, err := f.stack.store.CheckpointsForRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.CheckpointFailed, rows[0].Status)
}

func TestFinalizeFailedRunSkipsCompletion(t *testing.T) {
	f := newFinalizeFixture(t, &config.BenchmarkConfig{MinNodes: 1, MinRelationships: 0, MaxDuration: time.Minute})
	f.stack.checkpoints.StartRun("run-1")
	f.growGraph(t, "run-1", 2)

	runErr := faults.Fatal(assert.AnError)
	rep := f.coordinator.finalize(context.Background(), f.stack, "run-1", time.Now(), 2, runErr)
	assert.Contains(t, rep.Outcome, "failed:")
	assert.False(t, rep.BenchmarksMet)
	assert.Equal(t, int64(2), rep.Nodes, "counts still reported for failed runs")

	rows, err := f.stack.store.CheckpointsForRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Empty(t, rows, "failed runs record no completion checkpoint")
}

func TestFinalizeGraphUnavailable(t *testing.T) {
	f := newFinalizeFixture(t, &config.BenchmarkConfig{MinNodes: 1, MinRelationships: 0, MaxDuration: time.Minute})
	f.stack.checkpoints.StartRun("run-1")
	f.graph.SetErr(assert.AnError)

	rep := f.coordinator.finalize(context.Background(), f.stack, "run-1", time.Now(), 0, nil)
	assert.False(t, rep.BenchmarksMet)
	require.NotEmpty(t, rep.BenchmarkIssues)
	assert.Contains(t, rep.BenchmarkIssues[0], "graph counts unavailable")
}

func TestRenderReport(t *testing.T) {
	rep := &Report{
		RunID:       "abc-123",
		Target:      "/src/app",
		Duration:    90 * time.Second,
		Outcome:     "completed",
		JobsSeeded:  15,
		JobsStarted: 60,
		Stages: []StageTally{
			{Stage: config.StageFileAnalysis, Queue: "file-analysis-queue", Completed: 15},
			{Stage: config.StageValidation, Queue: "validation-queue", Completed: 12, Failed: 3},
		},
		DeadLettered: 2,
		Checkpoints: map[string]int{
			string(checkpoint.StageFileLoaded):         15,
			string(checkpoint.StageEntitiesExtracted):  15,
			string(checkpoint.StageRelationshipsBuilt): 12,
		},
		FailedCheckpoints:     1,
		CheckpointOverheadPct: 3.21,
		Nodes:                 45,
		Relationships:         30,
		BenchmarksMet:         true,
	}

	out := rep.Render()
	assert.Contains(t, out, "=== graphsmith run abc-123 ===")
	assert.Contains(t, out, "target:        /src/app")
	assert.Contains(t, out, "45 nodes, 30 relationships")
	assert.Contains(t, out, "15 seeded, 60 started")
	assert.Contains(t, out, "file-analysis-queue")
	assert.Contains(t, out, "dead-letter-queue")
	assert.Contains(t, out, "FILE_LOADED")
	assert.Contains(t, out, "overhead: 3.21%")
	assert.Contains(t, out, "benchmarks: PASSED")

	// Canonical stage order, not map order.
	assert.Less(t,
		indexOf(out, "FILE_LOADED"),
		indexOf(out, "RELATIONSHIPS_BUILT"))
}

func TestRenderReportFailure(t *testing.T) {
	rep := &Report{
		RunID:           "abc-123",
		Outcome:         "failed: run exceeded max execution time 1m0s",
		BenchmarkIssues: []string{"totalNodes 5 below minimum 10"},
	}
	out := rep.Render()
	assert.Contains(t, out, "benchmarks: FAILED")
	assert.Contains(t, out, "- totalNodes 5 below minimum 10")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
