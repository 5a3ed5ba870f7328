package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/pipeline"
)

// Cancelling the run context mid-extraction stops the run promptly: the
// blocked LLM call unwinds as a shutdown, the job goes back to its queue
// instead of counting as failed, and the caller still gets a report for the
// partial run.
func TestRunCancelledMidExtraction(t *testing.T) {
	root := writeSourceTree(t, map[string]string{
		"svc/main.go": "package svc\n\nfunc main() {}\n",
	})
	scripted := NewScriptedLLM()
	started := scripted.Block(KindExtract)

	app := NewTestApp(t, WithTarget(root), WithLLM(scripted))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		rep *pipeline.Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := app.Run(runCtx)
		done <- outcome{rep, err}
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("extraction never started")
	}
	cancel()

	var res outcome
	select {
	case res = <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, faults.ErrShutdown)
	require.NotNil(t, res.rep)
	assert.True(t, strings.HasPrefix(res.rep.Outcome, "failed:"), "outcome: %s", res.rep.Outcome)
	assert.False(t, res.rep.BenchmarksMet)
	assert.Equal(t, 1, scripted.Calls(KindExtract))
	assert.Zero(t, res.rep.Nodes)
}
