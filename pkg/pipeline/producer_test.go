package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/analyze"
	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/queue"
	"github.com/graphsmith/graphsmith/pkg/store"
)

type producerFixture struct {
	cfg         *config.Config
	queues      *queue.Manager
	store       *store.Store
	checkpoints *checkpoint.Manager
	producer    *Producer
}

func newProducerFixture(t *testing.T, target string) *producerFixture {
	t.Helper()
	timeouts, err := config.NewTimeoutRegistry(config.ProfileTesting)
	require.NoError(t, err)

	cfg := &config.Config{
		Profile: config.ProfileTesting,
		Pipeline: &config.PipelineConfig{
			TargetDirectory: target,
			BatchSize:       100,
			BatchInterval:   time.Millisecond,
		},
		Benchmarks: &config.BenchmarkConfig{MinNodes: 1, MinRelationships: 1, MaxDuration: time.Minute},
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
	cps := checkpoint.NewManager(st, nil, cfg.Benchmarks, bus, nil, nil)

	producer, err := NewProducer(cfg, queues, cps, nil)
	require.NoError(t, err)
	return &producerFixture{cfg: cfg, queues: queues, store: st, checkpoints: cps, producer: producer}
}

// seedTree lays out a small source tree with the directories and files the
// walk must skip.
func seedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"auth.js":            "function login() {}",
		"api/sessions.ts":    "export class Session {}",
		"db/schema.sql":      "CREATE TABLE users (id INTEGER);",
		"main.go":            "package main",
		"README.md":          "# readme",
		"logo.png":           "\x89PNG",
		".eslintrc.js":       "module.exports = {}",
		"vendor/dep.js":      "function vendored() {}",
		"node_modules/x.js":  "function shadowed() {}",
		".git/hooks/pre.sh":  "#!/bin/sh",
		"empty.py":           "",
		"scripts/migrate.rb": "def migrate; end",
	}
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestProduceSeedsRecognizedSources(t *testing.T) {
	root := seedTree(t)
	f := newProducerFixture(t, root)
	ctx := context.Background()

	jobs, err := f.producer.Produce(ctx, "run-1")
	require.NoError(t, err)
	// auth.js, api/sessions.ts, db/schema.sql, main.go, scripts/migrate.rb.
	assert.Equal(t, 5, jobs)

	counts, err := f.queues.JobCounts(ctx, "file-analysis-queue")
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts.Waiting)

	rows, err := f.store.CheckpointsForRun(ctx, "run-1")
	require.NoError(t, err)
	completed, failed := 0, 0
	for _, row := range rows {
		require.Equal(t, string(checkpoint.StageFileLoaded), row.Stage)
		switch row.Status {
		case store.CheckpointCompleted:
			completed++
		case store.CheckpointFailed:
			failed++
		}
	}
	assert.Equal(t, 5, completed)
	assert.Equal(t, 1, failed, "the empty file fails load validation")
}

func TestProduceSkipsEmptyFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.js"), []byte("let x = 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.js"), nil, 0o644))
	f := newProducerFixture(t, root)

	jobs, err := f.producer.Produce(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, jobs)
}

func TestProducePayloadCarriesLanguage(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "handler.py")
	require.NoError(t, os.WriteFile(path, []byte("def handle(): pass"), 0o644))
	f := newProducerFixture(t, root)
	ctx := context.Background()

	_, err := f.producer.Produce(ctx, "run-1")
	require.NoError(t, err)

	sc, err := f.cfg.Stages.Get(config.StageFileAnalysis)
	require.NoError(t, err)
	job, err := f.queues.Consume(ctx, sc.QueueName, time.Minute)
	require.NoError(t, err)

	var fj analyze.FileJob
	require.NoError(t, json.Unmarshal([]byte(job.Payload), &fj))
	assert.Equal(t, path, fj.FilePath)
	assert.Equal(t, "python", fj.Language)
	assert.Equal(t, "run-1", job.RunID)
	assert.Equal(t, sc.MaxAttempts, job.MaxAttempts)
	assert.Equal(t, sc.DeadLetterQueue, job.DeadLetter)
}

func TestProduceDeduplicatesByPath(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "auth.js")
	require.NoError(t, os.WriteFile(path, []byte("function login() {}"), 0o644))
	f := newProducerFixture(t, root)
	ctx := context.Background()

	// Pre-enqueue the same path under the same dedupe key; the producer's
	// add is suppressed but still counts as produced.
	sc, err := f.cfg.Stages.Get(config.StageFileAnalysis)
	require.NoError(t, err)
	_, err = f.queues.Add(ctx, sc.QueueName, `{"file_path":"stale"}`, queue.AddOptions{DedupeKey: path})
	require.NoError(t, err)

	jobs, err := f.producer.Produce(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, jobs)

	counts, err := f.queues.JobCounts(ctx, sc.QueueName)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestProduceStopsOnCancel(t *testing.T) {
	root := seedTree(t)
	f := newProducerFixture(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.producer.Produce(ctx, "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
