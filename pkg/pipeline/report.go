package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// StageTally is one queue's terminal counts at the end of a run.
type StageTally struct {
	Stage     string `json:"stage"`
	Queue     string `json:"queue"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Pending   int64  `json:"pending,omitempty"`
}

// Report is the end-of-run summary printed by the CLI and returned to
// callers embedding the pipeline.
type Report struct {
	RunID     string        `json:"run_id"`
	Target    string        `json:"target"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Outcome   string        `json:"outcome"`

	JobsSeeded  int   `json:"jobs_seeded"`
	JobsStarted int64 `json:"jobs_started"`

	Stages       []StageTally `json:"stages,omitempty"`
	DeadLettered int64        `json:"dead_lettered,omitempty"`

	Checkpoints           map[string]int `json:"checkpoints,omitempty"`
	FailedCheckpoints     int            `json:"failed_checkpoints,omitempty"`
	CheckpointOverheadPct float64        `json:"checkpoint_overhead_pct,omitempty"`

	Nodes         int64 `json:"nodes"`
	Relationships int64 `json:"relationships"`

	BenchmarksMet   bool     `json:"benchmarks_met"`
	BenchmarkIssues []string `json:"benchmark_issues,omitempty"`
}

// finalize gathers the run summary and, for clean runs, records the
// PIPELINE_COMPLETE checkpoint whose validation is the benchmark verdict.
// It runs on its own deadline detached from the run context, so interrupted
// runs still produce a report.
func (c *Coordinator) finalize(ctx context.Context, st *stack, runID string, start time.Time, seeded int, runErr error) *Report {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
		c.cfg.Timeouts.Get(config.CategoryPipeline, config.TimeoutFinalize))
	defer cancel()

	rep := &Report{
		RunID:       runID,
		Target:      c.cfg.Pipeline.TargetDirectory,
		StartedAt:   start,
		Duration:    time.Since(start),
		Outcome:     "completed",
		JobsSeeded:  seeded,
		JobsStarted: c.gauge.jobsStarted(),
	}
	if runErr != nil {
		rep.Outcome = "failed: " + runErr.Error()
	}

	for _, sc := range c.cfg.Stages.All() {
		counts, err := st.queues.JobCounts(ctx, sc.QueueName)
		if err != nil {
			c.logger.Warn("Queue tally unavailable", "queue", sc.QueueName, "error", err)
			continue
		}
		rep.Stages = append(rep.Stages, StageTally{
			Stage:     sc.Name,
			Queue:     sc.QueueName,
			Completed: counts.Completed,
			Failed:    counts.Failed,
			Pending:   counts.Backlog(),
		})
	}
	if counts, err := st.queues.JobCounts(ctx, config.DeadLetterQueueName); err == nil {
		rep.DeadLettered = counts.Waiting
	}

	if rows, err := st.store.CheckpointsForRun(ctx, runID); err == nil {
		rep.Checkpoints = make(map[string]int, len(rows))
		for _, row := range rows {
			switch row.Status {
			case store.CheckpointCompleted:
				rep.Checkpoints[row.Stage]++
			case store.CheckpointFailed:
				rep.FailedCheckpoints++
			}
		}
	} else {
		c.logger.Warn("Checkpoint tally unavailable", "error", err)
	}
	if overhead, ok := st.checkpoints.Overhead(runID); ok {
		rep.CheckpointOverheadPct = overhead.Pct
	}

	counts, err := st.graph.Counts(ctx, runID)
	if err != nil {
		rep.BenchmarkIssues = append(rep.BenchmarkIssues, fmt.Sprintf("graph counts unavailable: %v", err))
		return rep
	}
	rep.Nodes = counts.Nodes
	rep.Relationships = counts.Relationships

	// A failed run never records PIPELINE_COMPLETE; the counts above are
	// still worth reporting.
	if runErr != nil {
		return rep
	}

	cp, err := st.checkpoints.Create(ctx, runID, checkpoint.StagePipelineComplete, runID, map[string]any{
		"totalNodes":         counts.Nodes,
		"totalRelationships": counts.Relationships,
		"durationMs":         time.Since(start).Milliseconds(),
	})
	if err != nil {
		rep.BenchmarkIssues = append(rep.BenchmarkIssues, fmt.Sprintf("completion checkpoint not recorded: %v", err))
		return rep
	}
	done, err := st.checkpoints.Complete(ctx, cp.ID)
	switch {
	case err == nil:
		rep.BenchmarksMet = true
	case errors.Is(err, faults.ErrValidation):
		if done != nil && done.Validation != nil {
			rep.BenchmarkIssues = append(rep.BenchmarkIssues, done.Validation.Errors...)
		} else {
			rep.BenchmarkIssues = append(rep.BenchmarkIssues, err.Error())
		}
	default:
		rep.BenchmarkIssues = append(rep.BenchmarkIssues, fmt.Sprintf("benchmark validation error: %v", err))
	}
	return rep
}

// Render formats the report for the terminal.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== graphsmith run %s ===\n", r.RunID)
	fmt.Fprintf(&b, "target:        %s\n", r.Target)
	fmt.Fprintf(&b, "outcome:       %s\n", r.Outcome)
	fmt.Fprintf(&b, "duration:      %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "jobs:          %d seeded, %d started\n", r.JobsSeeded, r.JobsStarted)
	fmt.Fprintf(&b, "graph:         %d nodes, %d relationships\n", r.Nodes, r.Relationships)

	if len(r.Stages) > 0 {
		b.WriteString("\nqueues:\n")
		for _, s := range r.Stages {
			fmt.Fprintf(&b, "  %-28s %8d completed %6d failed", s.Queue, s.Completed, s.Failed)
			if s.Pending > 0 {
				fmt.Fprintf(&b, " %6d pending", s.Pending)
			}
			b.WriteByte('\n')
		}
		if r.DeadLettered > 0 {
			fmt.Fprintf(&b, "  %-28s %8d jobs\n", config.DeadLetterQueueName, r.DeadLettered)
		}
	}

	if len(r.Checkpoints) > 0 {
		b.WriteString("\ncheckpoints:\n")
		for s, ok := checkpoint.StageFileLoaded, true; ok; s, ok = checkpoint.StageAfter(s) {
			if n := r.Checkpoints[string(s)]; n > 0 {
				fmt.Fprintf(&b, "  %-28s %8d completed\n", string(s), n)
			}
		}
		if r.FailedCheckpoints > 0 {
			fmt.Fprintf(&b, "  %-28s %8d\n", "failed", r.FailedCheckpoints)
		}
		if r.CheckpointOverheadPct > 0 {
			fmt.Fprintf(&b, "  overhead: %.2f%% of wall time\n", r.CheckpointOverheadPct)
		}
	}

	if r.BenchmarksMet {
		b.WriteString("\nbenchmarks: PASSED\n")
	} else {
		b.WriteString("\nbenchmarks: FAILED\n")
		for _, issue := range r.BenchmarkIssues {
			fmt.Fprintf(&b, "  - %s\n", issue)
		}
	}
	return b.String()
}
