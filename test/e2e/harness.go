// Package e2e runs the pipeline end to end against in-process fakes: a
// miniredis queue backend, a temp-file sqlite store, an in-memory graph
// store, and a scripted LLM.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/analyze"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/metrics"
	"github.com/graphsmith/graphsmith/pkg/monitor"
	"github.com/graphsmith/graphsmith/pkg/outbox"
	"github.com/graphsmith/graphsmith/pkg/pipeline"
)

// TestApp assembles one pipeline run over in-process fakes. Run boots the
// full coordinator stack; everything it starts is torn down before Run
// returns.
type TestApp struct {
	Config *config.Config
	LLM    *ScriptedLLM
	Graph  *graph.MemoryStore

	routes   outbox.Routes
	bindings []analyze.Binding
	logger   *slog.Logger

	t *testing.T
}

// testAppConfig holds options accumulated before building the TestApp.
type testAppConfig struct {
	target         string
	llm            *ScriptedLLM
	graph          *graph.MemoryStore
	benchmarks     *config.BenchmarkConfig
	stageTweaks    map[string][]func(*config.StageConfig)
	pipelineTweaks []func(*config.PipelineConfig)
	routes         outbox.Routes
	bindings       []analyze.Binding
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithTarget sets the directory the producer walks.
func WithTarget(dir string) TestAppOption {
	return func(c *testAppConfig) { c.target = dir }
}

// WithLLM sets a pre-scripted LLM client.
func WithLLM(llm *ScriptedLLM) TestAppOption {
	return func(c *testAppConfig) { c.llm = llm }
}

// WithGraph sets the graph store. Useful when custom bindings need to close
// over the same store the pipeline writes to.
func WithGraph(store *graph.MemoryStore) TestAppOption {
	return func(c *testAppConfig) { c.graph = store }
}

// WithBenchmarks sets the completion gates checked at the end of the run.
func WithBenchmarks(minNodes, minRelationships int) TestAppOption {
	return func(c *testAppConfig) {
		c.benchmarks = &config.BenchmarkConfig{
			MinNodes:         minNodes,
			MinRelationships: minRelationships,
			MaxDuration:      5 * time.Minute,
		}
	}
}

// WithStage mutates one stage's descriptor before the registry is built.
func WithStage(name string, mutate func(*config.StageConfig)) TestAppOption {
	return func(c *testAppConfig) {
		c.stageTweaks[name] = append(c.stageTweaks[name], mutate)
	}
}

// WithPipeline mutates the pipeline settings after the defaults are applied.
func WithPipeline(mutate func(*config.PipelineConfig)) TestAppOption {
	return func(c *testAppConfig) { c.pipelineTweaks = append(c.pipelineTweaks, mutate) }
}

// WithTopology replaces the default stage topology. Every event type a
// binding emits must have a route.
func WithTopology(routes outbox.Routes, bindings []analyze.Binding) TestAppOption {
	return func(c *testAppConfig) {
		c.routes = routes
		c.bindings = bindings
	}
}

// NewTestApp builds a test app with the testing timeout profile, a fresh
// miniredis, and a fresh sqlite file. The LLM and graph fakes are reachable
// on the returned struct for scripting and assertions.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{stageTweaks: make(map[string][]func(*config.StageConfig))}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.target == "" {
		tc.target = t.TempDir()
	}
	if tc.llm == nil {
		tc.llm = NewScriptedLLM()
	}
	if tc.graph == nil {
		tc.graph = graph.NewMemoryStore()
	}
	if tc.benchmarks == nil {
		tc.benchmarks = &config.BenchmarkConfig{MaxDuration: 5 * time.Minute}
	}

	mr := miniredis.RunT(t)
	timeouts, err := config.NewTimeoutRegistry(config.ProfileTesting)
	require.NoError(t, err)

	stages := config.DefaultStageConfigs()
	for name, tweaks := range tc.stageTweaks {
		sc, ok := stages[name]
		require.True(t, ok, "unknown stage %s", name)
		for _, tweak := range tweaks {
			tweak(sc)
		}
	}

	cfg := &config.Config{
		AppEnv:  "test",
		Profile: config.ProfileTesting,
		Pipeline: &config.PipelineConfig{
			TargetDirectory:    tc.target,
			MaxFailureRate:     1.0,
			FailureWindow:      time.Minute,
			RequiredIdleChecks: 2,
		},
		Pool: &config.PoolConfig{
			GlobalConcurrency: 40,
			AdaptiveInterval:  time.Hour,
			ScaleCooldown:     time.Minute,
		},
		Monitor: &config.MonitorConfig{
			CPUThreshold:    99,
			MemoryThreshold: 99,
			LoadThreshold:   99,
			RingSize:        64,
			TrendWindow:     5,
			MinConfidence:   0.9,
		},
		Health: &config.HealthConfig{
			GlobalInterval:     time.Second,
			WorkerInterval:     time.Second,
			DependencyInterval: time.Second,
			UnhealthyThreshold: 3,
			RecoveryThreshold:  2,
		},
		Redis:  &config.RedisConfig{URL: "redis://" + mr.Addr()},
		SQLite: &config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "graphsmith.db")},
		Neo4j:  &config.Neo4jConfig{URI: "bolt://localhost:7687"},
		LLM:    &config.LLMConfig{Model: "scripted"},
		Cache:  &config.CacheConfig{},
		API:    &config.APIConfig{},
		Outbox: &config.OutboxConfig{
			BatchSize:    20,
			PollInterval: 25 * time.Millisecond,
			MaxAttempts:  5,
		},
		Benchmarks: tc.benchmarks,
		Retention: &config.RetentionConfig{
			CleanupInterval:         time.Hour,
			CheckpointRetentionDays: 30,
			CompletedJobRetention:   time.Hour,
			FailedJobRetention:      24 * time.Hour,
		},
		Timeouts: timeouts,
		Stages:   config.NewStageRegistry(stages),
	}
	for _, tweak := range tc.pipelineTweaks {
		tweak(cfg.Pipeline)
	}

	return &TestApp{
		Config:   cfg,
		LLM:      tc.llm,
		Graph:    tc.graph,
		routes:   tc.routes,
		bindings: tc.bindings,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		t:        t,
	}
}

// Run executes one pipeline pass with the app's fakes injected.
func (app *TestApp) Run(ctx context.Context) (*pipeline.Report, error) {
	return pipeline.New(app.Config, pipeline.Deps{
		LLM:      app.LLM,
		Graph:    app.Graph,
		Probe:    staticProbe{},
		Routes:   app.routes,
		Bindings: app.bindings,
		Metrics:  metrics.New(),
		Logger:   app.logger,
	}).Run(ctx)
}

// staticProbe pins system samples at low utilization so host load never
// steers scaling or alerting during a test.
type staticProbe struct{}

func (staticProbe) Sample(context.Context) (monitor.Sample, error) {
	return monitor.Sample{
		Timestamp:     time.Now().UTC(),
		CPUPercent:    5,
		HeapPercent:   10,
		MemoryPercent: 20,
		LoadPercent:   10,
	}, nil
}

// writeSourceTree lays the given files out under a fresh temp directory and
// returns its root. Keys are slash-separated paths relative to the root.
func writeSourceTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}
