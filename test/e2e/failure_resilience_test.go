package e2e

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// Extraction fails three times in a row: enough to exhaust the in-process
// retry budget and trip the stage breaker. The redelivered job arrives after
// the shortened reset interval, passes as the half-open probe, and the run
// completes with nothing dead-lettered.
func TestFileAnalysisBreakerRecovers(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"svc/main.go": "package svc\n\nfunc main() {}\n",
	})
	scripted := NewScriptedLLM()
	scripted.FailFirst(KindExtract, 3, faults.Transient(errors.New("llm: upstream 503")))

	app := NewTestApp(t,
		WithTarget(root),
		WithLLM(scripted),
		WithBenchmarks(4, 2),
		WithStage("file-analysis", func(sc *config.StageConfig) {
			sc.ResetInterval = 300 * time.Millisecond
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rep, err := app.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "completed", rep.Outcome)
	assert.True(t, rep.BenchmarksMet, "benchmark issues: %v", rep.BenchmarkIssues)
	// Three failed attempts on the first delivery, one probe success on the
	// second.
	assert.Equal(t, 4, scripted.Calls(KindExtract))
	assert.Equal(t, 1, scripted.Calls(KindResolve))
	assert.Equal(t, int64(4), rep.Nodes)
	assert.Equal(t, int64(2), rep.Relationships)
	assert.Zero(t, rep.DeadLettered)

	fa := tallyFor(t, rep, "file-analysis")
	assert.Equal(t, int64(1), fa.Completed)
	assert.Zero(t, fa.Failed)
	assert.Zero(t, fa.Pending)
}

// One file's extraction keeps failing with a non-retryable validation error:
// the first delivery is terminal and the job dead-letters while its siblings
// complete. The poisoned file gets as far as loading and leaves nothing
// downstream of that.
func TestPoisonFileDeadLetters(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"pkg/a.go":      "package pkg\n\nfunc a() {}\n",
		"pkg/b.go":      "package pkg\n\nfunc b() {}\n",
		"pkg/poison.go": "package pkg\n\nfunc c() {}\n",
	})
	scripted := NewScriptedLLM()
	scripted.FailWhen(KindExtract, "poison.go",
		fmt.Errorf("%w: model refused the file", faults.ErrValidation))

	app := NewTestApp(t, WithTarget(root), WithLLM(scripted), WithBenchmarks(7, 4))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rep, err := app.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "completed", rep.Outcome)
	assert.True(t, rep.BenchmarksMet, "benchmark issues: %v", rep.BenchmarkIssues)
	assert.Equal(t, 3, rep.JobsSeeded)
	assert.Equal(t, int64(1), rep.DeadLettered)
	// Two good files: three entities and two edges each, plus the directory.
	assert.Equal(t, int64(7), rep.Nodes)
	assert.Equal(t, int64(4), rep.Relationships)

	// One terminal extraction attempt for the poison file, no retries.
	assert.Equal(t, 3, scripted.Calls(KindExtract))
	assert.Equal(t, 2, scripted.Calls(KindResolve))
	assert.Equal(t, 1, scripted.Calls(KindSummarize))

	fa := tallyFor(t, rep, "file-analysis")
	assert.Equal(t, int64(2), fa.Completed)
	assert.Equal(t, int64(1), fa.Failed)
	assert.Zero(t, fa.Pending)

	assert.Equal(t, 3, rep.Checkpoints[string(checkpoint.StageFileLoaded)])
	assert.Equal(t, 2, rep.Checkpoints[string(checkpoint.StageEntitiesExtracted)])
	assert.Equal(t, 2, rep.Checkpoints[string(checkpoint.StageNeo4jStored)])
	assert.Equal(t, 1, rep.Checkpoints[string(checkpoint.StagePipelineComplete)])
	assert.Zero(t, rep.FailedCheckpoints)
	assert.Equal(t, int64(14), rep.JobsStarted)
}
