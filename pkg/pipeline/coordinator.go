// Package pipeline is the run coordinator. It boots every component in
// dependency order, seeds file-analysis jobs for the target directory,
// watches the queues until the run drains, records the run's completion
// verdict against the benchmarks, and tears the stack down layer by layer.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphsmith/graphsmith/pkg/analyze"
	"github.com/graphsmith/graphsmith/pkg/api"
	"github.com/graphsmith/graphsmith/pkg/breaker"
	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/cleanup"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/health"
	"github.com/graphsmith/graphsmith/pkg/llm"
	"github.com/graphsmith/graphsmith/pkg/metrics"
	"github.com/graphsmith/graphsmith/pkg/monitor"
	"github.com/graphsmith/graphsmith/pkg/outbox"
	"github.com/graphsmith/graphsmith/pkg/pool"
	"github.com/graphsmith/graphsmith/pkg/queue"
	"github.com/graphsmith/graphsmith/pkg/ratelimit"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// Deps carries collaborators the coordinator cannot build from configuration
// alone. Nil fields get the production implementation at boot; tests inject
// fakes, a custom stage topology, or a scripted resource probe.
type Deps struct {
	LLM   llm.Client
	Graph graph.Store
	Probe monitor.Probe

	// Routes and Bindings replace the default stage topology when set.
	// They must agree: every event type a binding emits needs a route.
	Routes   outbox.Routes
	Bindings []analyze.Binding

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Coordinator executes one pipeline pass end to end.
type Coordinator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	gauge failureGauge

	abortOnce sync.Once
	abortCh   chan struct{}
	abortErr  error
}

// New builds a coordinator for one run.
func New(cfg *config.Config, deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "coordinator"),
		abortCh: make(chan struct{}),
	}
}

// abortRun requests a graceful stop of the run. The first reason wins; the
// drain loop observes the signal on its next pass.
func (c *Coordinator) abortRun(err error) {
	c.abortOnce.Do(func() {
		c.abortErr = err
		close(c.abortCh)
	})
}

// Run executes one full pipeline pass over the configured target directory.
// The report is non-nil whenever boot succeeded, including aborted and
// interrupted runs; the error carries the run's failure when there is one.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	start := time.Now()
	log := c.logger.With("run_id", runID)

	log.Info("Starting pipeline run",
		"target_directory", c.cfg.Pipeline.TargetDirectory,
		"profile", string(c.cfg.Profile))

	st, err := c.boot(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer c.teardown(st)

	// The watcher must keep counting while a cancelled run drains, so it
	// hangs off its own context and is stopped explicitly.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go c.watchFailures(watchCtx, st.bus, log)

	producer, err := NewProducer(c.cfg, st.queues, st.checkpoints, c.logger)
	if err != nil {
		return nil, err
	}

	seeded, runErr := producer.Produce(ctx, runID)
	if runErr == nil {
		c.gauge.noteStarted(int64(seeded))
		runErr = c.awaitDrain(ctx, st, start, log)
	}

	report := c.finalize(ctx, st, runID, start, seeded, runErr)
	log.Info("Pipeline run finished",
		"outcome", report.Outcome,
		"duration", report.Duration.Round(time.Millisecond).String(),
		"nodes", report.Nodes,
		"relationships", report.Relationships,
		"benchmarks_met", report.BenchmarksMet)
	return report, runErr
}

// stack is the booted component set for one run.
type stack struct {
	bus     *events.Bus
	metrics *metrics.Metrics

	store    *store.Store
	graph    graph.Store
	ownGraph bool
	llm      llm.Client

	limiters *ratelimit.Registry
	breakers *breaker.Registry
	sysmon   *monitor.SystemMonitor
	queues   *queue.Manager
	sweeper  *queue.Sweeper
	health   *health.Monitor
	pool     *pool.Manager

	cache       *checkpoint.Cache
	checkpoints *checkpoint.Manager

	workersMu sync.Mutex
	workers   []*queue.Worker

	outbox  *outbox.Publisher
	cleaner *cleanup.Service
	api     *api.Server

	// stageQueues excludes the dead-letter queue: dead-lettered jobs are
	// terminal and must not hold up drain detection.
	stageQueues []string
}

// workerHealth snapshots every stage worker for the health monitor. Workers
// register after the monitor starts, so the slice is guarded.
func (s *stack) workerHealth() []queue.WorkerHealth {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	out := make([]queue.WorkerHealth, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Health())
	}
	return out
}

// boot brings the stack up in dependency order: registries before the
// components that consume them, transports before health, the pool before
// the workers that execute through it, and the outbox publisher last so no
// event fans out before its consumers exist. A failed boot unwinds the
// layers already started.
func (c *Coordinator) boot(ctx context.Context, runID string) (st *stack, err error) {
	st = &stack{metrics: c.deps.Metrics}
	if st.metrics == nil {
		st.metrics = metrics.New()
	}
	st.bus = events.NewBus(c.logger)

	defer func() {
		if err != nil {
			c.teardown(st)
		}
	}()

	// Databases open before any component that writes through them.
	if st.store, err = store.Open(ctx, c.cfg.SQLite, c.cfg.Timeouts, c.logger); err != nil {
		return st, err
	}
	st.graph = c.deps.Graph
	if st.graph == nil {
		g, gerr := graph.OpenNeo4j(ctx, c.cfg.Neo4j, c.cfg.Timeouts, c.logger)
		if gerr != nil {
			return st, gerr
		}
		st.graph = g
		st.ownGraph = true
	}
	st.llm = c.deps.LLM
	if st.llm == nil {
		st.llm = llm.NewHTTPClient(c.cfg.LLM, c.cfg.Timeouts, st.metrics, c.logger)
	}

	stats := c.cfg.Stats()
	c.logger.Info("Timeout registry ready", "profile", stats.Profile, "timeouts", stats.Timeouts)

	st.limiters = ratelimit.NewRegistry(c.cfg.Stages)
	st.breakers = breaker.NewRegistry(c.cfg.Stages, st.bus, c.logger)

	st.sysmon = monitor.New(c.cfg.Monitor, c.cfg.Timeouts, st.bus, c.deps.Probe, st.metrics, c.logger)
	if err = st.sysmon.Start(ctx); err != nil {
		return st, err
	}

	st.queues = queue.NewManager(c.cfg.Redis, c.cfg.Timeouts, st.metrics, c.logger)
	if err = st.queues.Connect(ctx); err != nil {
		return st, err
	}
	st.queues.Track(c.cfg.Stages.QueueNames()...)
	for _, sc := range c.cfg.Stages.All() {
		st.stageQueues = append(st.stageQueues, sc.QueueName)
	}
	st.sweeper = queue.NewSweeper(st.queues, c.cfg.Timeouts, c.logger)
	st.sweeper.Start(ctx)

	st.health = health.NewMonitor(c.cfg.Health, st.bus, st.workerHealth, c.logger)
	c.registerProbes(st)
	st.health.Start(ctx)

	st.pool = pool.NewManager(c.cfg, st.breakers, st.limiters, st.sysmon, st.bus, st.metrics, c.logger)
	st.pool.Backlog = func(ctx context.Context) int64 {
		n, berr := st.queues.Backlog(ctx, st.stageQueues)
		if berr != nil {
			return 0
		}
		return n
	}
	for _, sc := range c.cfg.Stages.All() {
		if err = st.pool.RegisterStage(sc); err != nil {
			return st, err
		}
	}
	if err = st.pool.Start(ctx); err != nil {
		return st, err
	}

	cache, cerr := checkpoint.NewCache(ctx, c.cfg.Redis, c.cfg.Cache, c.cfg.Timeouts, c.logger)
	if cerr != nil {
		// The cache is a read hint; the run works without it.
		c.logger.Warn("Checkpoint cache unavailable, continuing without it", "error", cerr)
		cache = nil
	}
	st.cache = cache
	st.checkpoints = checkpoint.NewManager(st.store, st.cache, c.cfg.Benchmarks, st.bus, st.metrics, c.logger)
	st.checkpoints.StartRun(runID)

	runner := analyze.NewRunner(st.store, st.checkpoints, c.cfg.Pipeline.StrictValidation, c.logger)
	bindings := c.deps.Bindings
	if bindings == nil {
		bindings = analyze.DefaultBindings(analyze.Collaborators{
			LLM:         st.llm,
			Graph:       st.graph,
			Checkpoints: st.checkpoints,
			Logger:      c.logger,
		})
	}
	for _, b := range bindings {
		sc, serr := c.cfg.Stages.Get(b.Stage)
		if serr != nil {
			return st, serr
		}
		w := queue.NewWorker(sc, st.queues, st.pool, runner.Bind(b), c.cfg.Timeouts, st.bus, st.metrics, c.logger)
		w.Start(ctx)
		st.workersMu.Lock()
		st.workers = append(st.workers, w)
		st.workersMu.Unlock()
	}

	routes := c.deps.Routes
	if routes == nil {
		if routes, err = analyze.DefaultRoutes(c.cfg.Stages); err != nil {
			return st, err
		}
	}
	st.outbox = outbox.NewPublisher(c.cfg.Outbox, st.store, st.queues, routes, c.cfg.Timeouts, st.bus, st.metrics, c.logger)
	if err = st.outbox.Start(ctx); err != nil {
		return st, err
	}

	st.cleaner = cleanup.NewService(c.cfg.Retention, st.checkpoints, st.store, st.queues, c.logger)
	st.cleaner.Start(ctx)

	if c.cfg.API.Port > 0 {
		st.api = api.NewServer(c.cfg.API, st.pool, st.health, st.metrics, c.logger)
		if err = st.api.Start(); err != nil {
			return st, err
		}
	}

	c.logger.Info("Pipeline stack booted",
		"run_id", runID,
		"stages", c.cfg.Stages.Len(),
		"workers", len(bindings),
		"global_concurrency", c.cfg.Pool.GlobalConcurrency)
	return st, nil
}

// registerProbes wires the built-in dependency probes. Redis gets a recovery
// action (reconnect); the rest surface through alerts only. An injected LLM
// fake without a reachability probe simply goes unprobed.
func (c *Coordinator) registerProbes(st *stack) {
	st.health.Register("redis", st.queues.Ping, st.queues.Connect)
	st.health.Register("sqlite", st.store.Ping, nil)
	st.health.Register("neo4j", st.graph.Ping, nil)
	if probe, ok := st.llm.(interface{ Reachable(context.Context) error }); ok {
		st.health.Register("llm", probe.Reachable, nil)
	}
}

// teardown stops the stack layer by layer: workers first so no new handler
// output lands, then the pool, the outbox, the transports, and the databases.
// Every Stop is nil-safe, so the same path unwinds a partially booted stack.
func (c *Coordinator) teardown(st *stack) {
	log := c.logger

	if st.cleaner != nil {
		st.cleaner.Stop()
	}

	workerBudget := c.cfg.Timeouts.Get(config.CategoryWorker, config.TimeoutShutdown)
	st.workersMu.Lock()
	workers := append([]*queue.Worker(nil), st.workers...)
	st.workersMu.Unlock()
	for _, w := range workers {
		if err := w.Stop(workerBudget); err != nil {
			log.Warn("Worker did not drain in time", "error", err)
		}
	}

	if st.pool != nil {
		if err := st.pool.Shutdown(c.cfg.Timeouts.Get(config.CategoryPipeline, config.TimeoutShutdown)); err != nil {
			log.Warn("Worker pool shutdown incomplete", "error", err)
		}
	}

	if st.outbox != nil {
		st.outbox.Stop()
	}

	if st.health != nil {
		st.health.Stop()
	}
	if st.sysmon != nil {
		st.sysmon.Stop()
	}

	if st.sweeper != nil {
		st.sweeper.Stop()
	}
	if st.queues != nil {
		if err := st.queues.Close(); err != nil {
			log.Warn("Queue manager close failed", "error", err)
		}
	}

	if st.cache != nil {
		if err := st.cache.Close(); err != nil {
			log.Warn("Checkpoint cache close failed", "error", err)
		}
	}
	if st.ownGraph && st.graph != nil {
		dbCtx, cancel := context.WithTimeout(context.Background(),
			c.cfg.Timeouts.Get(config.CategoryDatabase, config.TimeoutConnect))
		if err := st.graph.Close(dbCtx); err != nil {
			log.Warn("Graph store close failed", "error", err)
		}
		cancel()
	}
	if st.store != nil {
		if err := st.store.Close(); err != nil {
			log.Warn("Store close failed", "error", err)
		}
	}

	if st.api != nil {
		apiCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := st.api.Shutdown(apiCtx); err != nil {
			log.Warn("API server shutdown failed", "error", err)
		}
		cancel()
	}

	if st.bus != nil {
		st.bus.Close()
	}
	log.Info("Pipeline stack stopped")
}
