// Package api serves the pipeline's operational surface: a liveness endpoint
// for orchestrators, a worker-pool snapshot for operators, and prometheus
// metrics. The surface is read-only; runs are controlled through the CLI.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/health"
	"github.com/graphsmith/graphsmith/pkg/metrics"
	"github.com/graphsmith/graphsmith/pkg/pool"
	"github.com/graphsmith/graphsmith/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// Server is the operational HTTP server. It binds at Start so a taken port
// fails the boot instead of surfacing later from a goroutine.
type Server struct {
	cfg     *config.APIConfig
	pool    *pool.Manager
	health  *health.Monitor
	metrics *metrics.Metrics
	logger  *slog.Logger

	http *http.Server
	addr string
}

// NewServer wires the status routes. Any collaborator may be nil; its
// endpoint then reports unavailable instead of panicking.
func NewServer(cfg *config.APIConfig, pl *pool.Manager, hm *health.Monitor, met *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		pool:    pl,
		health:  hm,
		metrics: met,
		logger:  logger.With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", s.healthHandler)
	engine.GET("/status", s.statusHandler)
	engine.GET("/metrics", gin.WrapH(met.Handler()))

	s.http = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind api server on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()
	s.logger.Info("API server listening", "addr", s.addr)

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, for tests using port 0.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// healthHandler reports the dependency and worker snapshot. Unhealthy
// dependencies flip the HTTP status so orchestrator probes see it without
// parsing the body.
func (s *Server) healthHandler(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": healthStatusHealthy, "version": version.Commit()})
		return
	}
	snap := s.health.SnapshotNow()
	status := healthStatusHealthy
	httpStatus := http.StatusOK
	if !snap.Healthy {
		status = healthStatusUnhealthy
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":   status,
		"version":  version.Commit(),
		"snapshot": snap,
	})
}

// statusHandler reports pool occupancy with each stage's breaker state and
// rate-limit balance.
func (s *Server) statusHandler(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker pool not running"})
		return
	}
	c.JSON(http.StatusOK, s.pool.GetStatus())
}
