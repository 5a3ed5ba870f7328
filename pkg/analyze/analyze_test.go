package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/llm"
	"github.com/graphsmith/graphsmith/pkg/queue"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// scriptedLLM replays queued completions in order and records every prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []scriptedReply
	prompts [][]llm.Message
}

type scriptedReply struct {
	content string
	err     error
}

func (s *scriptedLLM) Chat(_ context.Context, messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, messages)
	if len(s.replies) == 0 {
		return "", errors.New("scripted llm: no reply queued")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.content, r.err
}

func (s *scriptedLLM) reply(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, scriptedReply{content: content})
}

func (s *scriptedLLM) replyErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, scriptedReply{err: err})
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *scriptedLLM) lastUserPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	last := s.prompts[len(s.prompts)-1]
	return last[len(last)-1].Content
}

type stageFixture struct {
	runner      *Runner
	store       *store.Store
	checkpoints *checkpoint.Manager
	llm         *scriptedLLM
	graph       *graph.MemoryStore
	bindings    []Binding
}

func newStageFixture(t *testing.T) *stageFixture {
	t.Helper()
	timeouts, err := config.NewTimeoutRegistry(config.ProfileTesting)
	require.NoError(t, err)

	st, err := store.Open(context.Background(),
		&config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "graphsmith.db")},
		timeouts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bench := &config.BenchmarkConfig{MinNodes: 10, MinRelationships: 20, MaxDuration: 60 * time.Second}
	cps := checkpoint.NewManager(st, nil, bench, nil, nil, nil)

	f := &stageFixture{
		runner:      NewRunner(st, cps, false, nil),
		store:       st,
		checkpoints: cps,
		llm:         &scriptedLLM{},
		graph:       graph.NewMemoryStore(),
	}
	f.bindings = DefaultBindings(Collaborators{
		LLM:         f.llm,
		Graph:       f.graph,
		Checkpoints: cps,
	})
	return f
}

func (f *stageFixture) handlerFor(t *testing.T, stage string) queue.Handler {
	t.Helper()
	for _, b := range f.bindings {
		if b.Stage == stage {
			return f.runner.Bind(b)
		}
	}
	t.Fatalf("no binding for stage %s", stage)
	return nil
}

func (f *stageFixture) job(queueName, runID, payload string) *queue.Job {
	return &queue.Job{ID: "job-1", Queue: queueName, RunID: runID, Payload: payload}
}

// completeStage drives one checkpoint through create and complete.
func (f *stageFixture) completeStage(t *testing.T, runID string, stage checkpoint.Stage, entityID string, meta map[string]any) {
	t.Helper()
	ctx := context.Background()
	cp, err := f.checkpoints.Create(ctx, runID, stage, entityID, meta)
	require.NoError(t, err)
	_, err = f.checkpoints.Complete(ctx, cp.ID)
	require.NoError(t, err)
}

// loadFile writes a source file and completes its FILE_LOADED checkpoint.
func (f *stageFixture) loadFile(t *testing.T, runID, name, content string) string {
	t.Helper()
	path := writeSource(t, name, content)
	f.completeStage(t, runID, checkpoint.StageFileLoaded, path, map[string]any{"filePath": path})
	return path
}

// extractEntities completes the ENTITIES_EXTRACTED checkpoint for path.
func (f *stageFixture) extractEntities(t *testing.T, runID, path string, entities []map[string]any) {
	t.Helper()
	f.completeStage(t, runID, checkpoint.StageEntitiesExtracted, path, map[string]any{
		"filePath":    path,
		"entityCount": len(entities),
		"entities":    entities,
	})
}

func (f *stageFixture) rowsByType(t *testing.T, runID string) map[string][]store.OutboxRow {
	t.Helper()
	rows, err := f.store.OutboxForRun(context.Background(), runID)
	require.NoError(t, err)
	byType := make(map[string][]store.OutboxRow)
	for _, row := range rows {
		byType[row.EventType] = append(byType[row.EventType], row)
	}
	return byType
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, writeFile(path, content))
	return path
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func marshalPayload(v any) (string, error) {
	raw, err := json.Marshal(v)
	return string(raw), err
}

func unmarshalPayload(payload string, v any) error {
	return json.Unmarshal([]byte(payload), v)
}

func entity(id, kind, name string) map[string]any {
	return map[string]any{"id": id, "type": kind, "name": name}
}

func mustPayload(t *testing.T, v any) string {
	t.Helper()
	raw, err := marshalPayload(v)
	require.NoError(t, err)
	return raw
}

func TestDefaultRoutesCoverEveryEventType(t *testing.T) {
	stages := config.NewStageRegistry(config.DefaultStageConfigs())
	routes, err := DefaultRoutes(stages)
	require.NoError(t, err)

	want := map[string]string{
		EventPOIDiscovered:          "relationship-resolution-queue",
		EventFileAnalyzed:           "directory-aggregation-queue",
		EventDirectoryAggregated:    "directory-resolution-queue",
		EventDirectoryResolved:      "graph-ingestion-queue",
		EventRelationshipsResolved:  "validation-queue",
		EventRelationshipsValidated: "reconciliation-queue",
		EventGraphBatchReady:        "graph-ingestion-queue",
	}
	require.Len(t, routes, len(want))
	for event, queueName := range want {
		route, ok := routes[event]
		require.True(t, ok, "missing route for %s", event)
		assert.Equal(t, queueName, route.Queue)
		assert.Equal(t, config.DeadLetterQueueName, route.DeadLetter)
		assert.Positive(t, route.MaxAttempts)
	}
}

func TestFileAnalysisEmitsPOIsAndCheckpoint(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	path := f.loadFile(t, runID, "auth.js", "function login() {}\nfunction logout() {}\nconst session = {};\n")

	f.llm.reply("```json\n{\"pois\": [" +
		"{\"type\": \"function\", \"name\": \"login\", \"start_line\": 1, \"end_line\": 1}," +
		"{\"type\": \"function\", \"name\": \"logout\", \"start_line\": 2, \"end_line\": 2}," +
		"{\"type\": \"variable\", \"name\": \"session\", \"start_line\": 3, \"end_line\": 3}" +
		"]}\n```")

	handler := f.handlerFor(t, config.StageFileAnalysis)
	job := f.job("file-analysis-queue", runID, mustPayload(t, FileJob{FilePath: path}))
	require.NoError(t, handler(context.Background(), job))

	rows := f.rowsByType(t, runID)
	require.Len(t, rows[EventPOIDiscovered], 3)
	require.Len(t, rows[EventFileAnalyzed], 1)
	for _, row := range rows[EventPOIDiscovered] {
		assert.Equal(t, path, row.DedupeKey)
	}
	assert.Equal(t, filepath.Dir(path), rows[EventFileAnalyzed][0].DedupeKey)

	cp, err := f.checkpoints.Active(context.Background(), runID, checkpoint.StageEntitiesExtracted, path)
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointCompleted, cp.Status)
	require.NotNil(t, cp.Validation)
	assert.True(t, cp.Validation.Valid)
	assert.Len(t, cp.Metadata["entities"], 3)
}

func TestFileAnalysisGateBlocksUnloadedFile(t *testing.T) {
	f := newStageFixture(t)
	path := writeSource(t, "auth.js", "function login() {}")

	handler := f.handlerFor(t, config.StageFileAnalysis)
	job := f.job("file-analysis-queue", "run-1", mustPayload(t, FileJob{FilePath: path}))
	err := handler(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrPrerequisite))
	assert.Zero(t, f.llm.callCount(), "gated job must not reach the LLM")
	assert.Empty(t, f.rowsByType(t, "run-1"))
}

func TestFileAnalysisLLMFailureIsRetryable(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	path := f.loadFile(t, runID, "auth.js", "function login() {}")
	f.llm.replyErr(faults.Transient(errors.New("upstream 503")))

	handler := f.handlerFor(t, config.StageFileAnalysis)
	err := handler(context.Background(), f.job("file-analysis-queue", runID, mustPayload(t, FileJob{FilePath: path})))
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
	assert.Empty(t, f.rowsByType(t, runID))
}

func TestDirectoryAggregationCollectsRunFiles(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	dir := t.TempDir()

	paths := []string{
		filepath.Join(dir, "auth.js"),
		filepath.Join(dir, "session.js"),
	}
	require.NoError(t, writeFile(paths[0], "function login() {}"))
	require.NoError(t, writeFile(paths[1], "class Session {}"))
	for i, path := range paths {
		f.completeStage(t, runID, checkpoint.StageFileLoaded, path, map[string]any{"filePath": path})
		var entities []map[string]any
		if i == 0 {
			entities = []map[string]any{entity(path+"#login", "function", "login")}
		} else {
			entities = []map[string]any{entity(path+"#Session", "class", "Session")}
		}
		f.extractEntities(t, runID, path, entities)
	}

	// A file from another directory must not leak into the aggregate.
	other := f.loadFile(t, runID, "misc.js", "const x = 1;")
	f.extractEntities(t, runID, other, []map[string]any{entity(other+"#x", "variable", "x")})

	handler := f.handlerFor(t, config.StageDirectoryAggregation)
	payload := mustPayload(t, FileAnalyzed{FilePath: paths[0], Directory: dir, EntityCount: 1})
	require.NoError(t, handler(context.Background(), f.job("directory-aggregation-queue", runID, payload)))

	rows := f.rowsByType(t, runID)
	require.Len(t, rows[EventDirectoryAggregated], 1)
	var agg DirectoryAggregated
	require.NoError(t, unmarshalPayload(rows[EventDirectoryAggregated][0].Payload, &agg))
	assert.Equal(t, dir, agg.Directory)
	assert.ElementsMatch(t, paths, agg.Files)
	assert.Equal(t, 2, agg.EntityCount)
	assert.Equal(t, map[string]int{"function": 1, "class": 1}, agg.Kinds)
}

func TestDirectoryAggregationRetriesBeforeCheckpoints(t *testing.T) {
	f := newStageFixture(t)
	handler := f.handlerFor(t, config.StageDirectoryAggregation)
	payload := mustPayload(t, FileAnalyzed{FilePath: "/src/a.js", Directory: "/src", EntityCount: 1})

	err := handler(context.Background(), f.job("directory-aggregation-queue", "run-1", payload))
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
}

func TestDirectoryResolutionEmitsSummaryNode(t *testing.T) {
	f := newStageFixture(t)
	f.llm.reply(`{"summary": "Authentication helpers and session state."}`)

	handler := f.handlerFor(t, config.StageDirectoryResolution)
	payload := mustPayload(t, DirectoryAggregated{
		Directory:   "/src/auth",
		Files:       []string{"/src/auth/login.js", "/src/auth/session.js"},
		EntityCount: 5,
		Kinds:       map[string]int{"function": 4, "class": 1},
	})
	require.NoError(t, handler(context.Background(), f.job("directory-resolution-queue", "run-1", payload)))

	rows := f.rowsByType(t, "run-1")
	require.Len(t, rows[EventDirectoryResolved], 1)
	var batch GraphBatch
	require.NoError(t, unmarshalPayload(rows[EventDirectoryResolved][0].Payload, &batch))
	assert.Empty(t, batch.CheckpointEntity)
	require.Len(t, batch.Nodes, 1)
	assert.Equal(t, "dir:/src/auth", batch.Nodes[0].ID)
	assert.Equal(t, "Directory", batch.Nodes[0].Kind)
	assert.Equal(t, "Authentication helpers and session state.", batch.Nodes[0].Props["summary"])
}

func TestRelationshipResolutionUsesCheckpointEntities(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	path := f.loadFile(t, runID, "auth.js", "function login() { audit(); }")
	f.extractEntities(t, runID, path, []map[string]any{
		entity("auth#login", "function", "login"),
		entity("auth#audit", "function", "audit"),
	})

	f.llm.reply(`{"relationships": [{"from": "auth#login", "to": "auth#audit", "type": "CALLS", "confidence": 0.9}]}`)

	handler := f.handlerFor(t, config.StageRelationshipResolution)
	payload := mustPayload(t, POIDiscovered{FilePath: path, POI: POI{ID: "auth#login", Type: "function", Name: "login"}})
	require.NoError(t, handler(context.Background(), f.job("relationship-resolution-queue", runID, payload)))

	assert.Contains(t, f.llm.lastUserPrompt(), "auth#login")
	assert.Contains(t, f.llm.lastUserPrompt(), "auth#audit")

	rows := f.rowsByType(t, runID)
	require.Len(t, rows[EventRelationshipsResolved], 1)
	var resolved RelationshipsResolved
	require.NoError(t, unmarshalPayload(rows[EventRelationshipsResolved][0].Payload, &resolved))
	require.Len(t, resolved.Relationships, 1)
	assert.Equal(t, "CALLS", resolved.Relationships[0].Type)
}

func TestValidationDropsInvalidEdges(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	path := f.loadFile(t, runID, "auth.js", "function login() {}")
	f.extractEntities(t, runID, path, []map[string]any{
		entity("auth#login", "function", "login"),
		entity("auth#audit", "function", "audit"),
	})

	handler := f.handlerFor(t, config.StageValidation)
	payload := mustPayload(t, RelationshipsResolved{FilePath: path, Relationships: []RelationshipEdge{
		{From: "auth#login", To: "auth#audit", Type: "CALLS", Confidence: 1.7},
		{From: "auth#login", To: "ghost", Type: "CALLS"},
		{From: "auth#login", To: "auth#audit", Type: "CONTAINS"},
		{From: "", To: "auth#audit", Type: "USES"},
	}})
	require.NoError(t, handler(context.Background(), f.job("validation-queue", runID, payload)))

	rows := f.rowsByType(t, runID)
	require.Len(t, rows[EventRelationshipsValidated], 1)
	var validated RelationshipsValidated
	require.NoError(t, unmarshalPayload(rows[EventRelationshipsValidated][0].Payload, &validated))
	require.Len(t, validated.Relationships, 1)
	assert.Equal(t, 3, validated.Dropped)
	assert.Equal(t, 1.0, validated.Relationships[0].Confidence, "confidence must clamp to [0,1]")
}

func TestReconciliationDeduplicatesAndCheckpoints(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	path := f.loadFile(t, runID, "auth.js", "function login() {}")
	f.extractEntities(t, runID, path, []map[string]any{
		entity("auth#login", "function", "login"),
		entity("auth#audit", "function", "audit"),
	})

	handler := f.handlerFor(t, config.StageReconciliation)
	payload := mustPayload(t, RelationshipsValidated{FilePath: path, Relationships: []RelationshipEdge{
		{From: "auth#login", To: "auth#audit", Type: "CALLS", Confidence: 0.5},
		{From: "auth#login", To: "auth#audit", Type: "CALLS", Confidence: 0.9},
		{From: "auth#login", To: "auth#audit", Type: "USES", Confidence: 0.4},
	}})
	require.NoError(t, handler(context.Background(), f.job("reconciliation-queue", runID, payload)))

	rows := f.rowsByType(t, runID)
	require.Len(t, rows[EventGraphBatchReady], 1)
	var batch GraphBatch
	require.NoError(t, unmarshalPayload(rows[EventGraphBatchReady][0].Payload, &batch))
	assert.Equal(t, path, batch.CheckpointEntity)
	assert.Len(t, batch.Nodes, 2)
	require.Len(t, batch.Relationships, 2)
	for _, rel := range batch.Relationships {
		if rel.Type == "CALLS" {
			assert.Equal(t, 0.9, rel.Props["confidence"], "dedupe keeps the highest confidence")
		}
	}

	cp, err := f.checkpoints.Active(context.Background(), runID, checkpoint.StageRelationshipsBuilt, path)
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointCompleted, cp.Status)
	assert.Equal(t, 2, metaCount(cp.Metadata, "relationshipCount"))
}

func TestGraphIngestionMergesAndCheckpoints(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	path := f.loadFile(t, runID, "auth.js", "function login() {}")
	f.extractEntities(t, runID, path, []map[string]any{
		entity("auth#login", "function", "login"),
		entity("auth#audit", "function", "audit"),
	})
	f.completeStage(t, runID, checkpoint.StageRelationshipsBuilt, path, map[string]any{
		"filePath": path,
		"relationships": []any{
			map[string]any{"from": "auth#login", "to": "auth#audit", "type": "CALLS"},
		},
	})

	handler := f.handlerFor(t, config.StageGraphIngestion)
	payload := mustPayload(t, GraphBatch{
		CheckpointEntity: path,
		Nodes: []graph.Node{
			{ID: "auth#login", Kind: "function", Name: "login"},
			{ID: "auth#audit", Kind: "function", Name: "audit"},
		},
		Relationships: []graph.Relationship{
			{FromID: "auth#login", ToID: "auth#audit", Type: "CALLS"},
		},
	})
	require.NoError(t, handler(context.Background(), f.job("graph-ingestion-queue", runID, payload)))

	counts, err := f.graph.Counts(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Nodes)
	assert.Equal(t, int64(1), counts.Relationships)

	cp, err := f.checkpoints.Active(context.Background(), runID, checkpoint.StageNeo4jStored, path)
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointCompleted, cp.Status)
}

func TestGraphIngestionDirectoryBatchSkipsCheckpoint(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"

	handler := f.handlerFor(t, config.StageGraphIngestion)
	payload := mustPayload(t, GraphBatch{Nodes: []graph.Node{
		{ID: "dir:/src/auth", Kind: "Directory", Name: "auth"},
	}})
	require.NoError(t, handler(context.Background(), f.job("graph-ingestion-queue", runID, payload)))

	counts, err := f.graph.Counts(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Nodes)

	cps, err := f.checkpoints.GetByRunStage(context.Background(), runID, checkpoint.StageNeo4jStored)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestGraphIngestionStoreFailureIsRetryable(t *testing.T) {
	f := newStageFixture(t)
	f.graph.SetErr(faults.Transient(errors.New("bolt connection reset")))

	handler := f.handlerFor(t, config.StageGraphIngestion)
	payload := mustPayload(t, GraphBatch{Nodes: []graph.Node{{ID: "n1", Kind: "function", Name: "f"}}})
	err := handler(context.Background(), f.job("graph-ingestion-queue", "run-1", payload))
	require.Error(t, err)
	assert.True(t, faults.IsRetryable(err))
}

func TestRunnerAdoptsPendingCheckpoint(t *testing.T) {
	f := newStageFixture(t)
	runID := "run-1"
	path := f.loadFile(t, runID, "auth.js", "function login() {}")

	// A crashed earlier attempt left the checkpoint pending.
	pending, err := f.checkpoints.Create(context.Background(), runID, checkpoint.StageEntitiesExtracted, path,
		map[string]any{
			"filePath":    path,
			"entityCount": 1,
			"entities":    []any{entity("auth#login", "function", "login")},
		})
	require.NoError(t, err)

	handler := f.runner.Bind(Binding{
		Stage: "stub",
		Handler: func(context.Context, *JobContext) (*Result, error) {
			return &Result{Checkpoint: &Mark{
				Stage:    checkpoint.StageEntitiesExtracted,
				EntityID: path,
				Metadata: map[string]any{"entityCount": 1},
			}}, nil
		},
	})
	require.NoError(t, handler(context.Background(), f.job("stub-queue", runID, "{}")))

	cp, err := f.checkpoints.GetByID(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointCompleted, cp.Status)
}

func TestRunnerValidationVerdictByStrictness(t *testing.T) {
	invalidMark := func(path string) Handler {
		return func(context.Context, *JobContext) (*Result, error) {
			return &Result{Checkpoint: &Mark{
				Stage:    checkpoint.StageEntitiesExtracted,
				EntityID: path,
				Metadata: map[string]any{"entityCount": 0},
			}}, nil
		}
	}

	t.Run("lenient runner completes the job", func(t *testing.T) {
		f := newStageFixture(t)
		path := f.loadFile(t, "run-1", "auth.js", "function login() {}")
		handler := f.runner.Bind(Binding{Stage: "stub", Handler: invalidMark(path)})
		require.NoError(t, handler(context.Background(), f.job("stub-queue", "run-1", "{}")))

		_, err := f.checkpoints.Active(context.Background(), "run-1", checkpoint.StageEntitiesExtracted, path)
		require.ErrorIs(t, err, store.ErrNotFound, "failed checkpoint is no longer live")
	})

	t.Run("strict runner fails the job", func(t *testing.T) {
		f := newStageFixture(t)
		path := f.loadFile(t, "run-1", "auth.js", "function login() {}")
		strict := NewRunner(f.store, f.checkpoints, true, nil)
		handler := strict.Bind(Binding{Stage: "stub", Handler: invalidMark(path)})
		err := handler(context.Background(), f.job("stub-queue", "run-1", "{}"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, faults.ErrValidation))
	})
}
