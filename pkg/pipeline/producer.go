package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/graphsmith/graphsmith/pkg/analyze"
	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/queue"
)

// sourceLanguages maps recognized source extensions to the language tag the
// analysis prompt receives. Files outside this map are not source code and
// are skipped.
var sourceLanguages = map[string]string{
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".java":  "java",
	".rb":    "ruby",
	".rs":    "rust",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".php":   "php",
	".kt":    "kotlin",
	".swift": "swift",
	".scala": "scala",
	".sql":   "sql",
	".sh":    "shell",
}

// skippedDirs are dependency and VCS trees that never hold first-party
// source.
var skippedDirs = map[string]bool{
	".git":         true,
	"vendor":       true,
	"node_modules": true,
}

func skipDir(name string) bool {
	return skippedDirs[name] || strings.HasPrefix(name, ".")
}

// Producer walks the target directory and seeds one file-analysis job per
// recognized source file. Each file gets a FILE_LOADED checkpoint before its
// job enqueues, so the first stage's prerequisite gate holds from the start.
type Producer struct {
	cfg         *config.Config
	queues      *queue.Manager
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
	stage       *config.StageConfig
}

// NewProducer builds a producer seeding the file-analysis stage's queue.
func NewProducer(cfg *config.Config, queues *queue.Manager, checkpoints *checkpoint.Manager, logger *slog.Logger) (*Producer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sc, err := cfg.Stages.Get(config.StageFileAnalysis)
	if err != nil {
		return nil, err
	}
	return &Producer{
		cfg:         cfg,
		queues:      queues,
		checkpoints: checkpoints,
		logger:      logger.With("component", "producer"),
		stage:       sc,
	}, nil
}

// Produce walks the target directory and enqueues jobs in paced batches. It
// returns the number of jobs enqueued. Files that fail load validation are
// skipped, not fatal; a broken walk is.
func (p *Producer) Produce(ctx context.Context, runID string) (int, error) {
	root := p.cfg.Pipeline.TargetDirectory
	batchSize := p.cfg.Pipeline.BatchSize
	interval := p.cfg.Pipeline.BatchInterval

	jobs := 0
	skipped := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		language, ok := sourceLanguages[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}

		produced, err := p.seed(ctx, runID, path, language)
		if err != nil {
			return err
		}
		if !produced {
			skipped++
			return nil
		}
		jobs++

		// Pacing keeps a huge target from flooding the queue in one burst.
		if batchSize > 0 && interval > 0 && jobs%batchSize == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
		return nil
	})
	if err != nil {
		return jobs, faults.Fatal(fmt.Errorf("produce from %s: %w", root, err))
	}

	p.logger.Info("Initial jobs enqueued",
		"run_id", runID,
		"target_directory", root,
		"jobs", jobs,
		"skipped", skipped)
	return jobs, nil
}

// seed records the FILE_LOADED checkpoint for one file and enqueues its
// analysis job. A file that fails load validation (vanished, empty,
// unreadable) reports false with no error. A duplicate seed for the same
// path counts as produced; the queue already holds its job.
func (p *Producer) seed(ctx context.Context, runID, path, language string) (bool, error) {
	cp, err := p.checkpoints.Create(ctx, runID, checkpoint.StageFileLoaded, path,
		map[string]any{"filePath": path, "language": language})
	if err != nil {
		return false, err
	}
	if _, err := p.checkpoints.Complete(ctx, cp.ID); err != nil {
		if errors.Is(err, faults.ErrValidation) {
			p.logger.Warn("Skipping file that failed load validation", "file", path, "error", err)
			return false, nil
		}
		return false, err
	}

	payload, err := json.Marshal(analyze.FileJob{FilePath: path, Language: language})
	if err != nil {
		return false, fmt.Errorf("marshal file job for %s: %w", path, err)
	}
	_, err = p.queues.Add(ctx, p.stage.QueueName, string(payload), queue.AddOptions{
		RunID:       runID,
		MaxAttempts: p.stage.MaxAttempts,
		DedupeKey:   path,
		DeadLetter:  p.stage.DeadLetterQueue,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
