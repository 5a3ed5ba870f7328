package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/llm"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// DirectoryAggregator rolls the run's per-file extraction checkpoints up into
// one summary per directory. The aggregate reflects the files analyzed at
// claim time; files finishing later are folded in when the job reruns after
// a transient retry.
type DirectoryAggregator struct {
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

// NewDirectoryAggregator builds the directory-aggregation handler.
func NewDirectoryAggregator(cps *checkpoint.Manager, logger *slog.Logger) *DirectoryAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryAggregator{checkpoints: cps, logger: logger.With("component", "directory_aggregator")}
}

// Handle collects every completed ENTITIES_EXTRACTED checkpoint under the
// payload's directory and emits one directory-aggregated row.
func (a *DirectoryAggregator) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	var p FileAnalyzed
	if err := json.Unmarshal([]byte(jc.Job.Payload), &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable aggregation job: %v", faults.ErrValidation, err)
	}

	cps, err := a.checkpoints.GetByRunStage(ctx, jc.RunID, checkpoint.StageEntitiesExtracted)
	if err != nil {
		return nil, faults.Transient(err)
	}

	agg := DirectoryAggregated{Directory: p.Directory, Kinds: make(map[string]int)}
	for _, cp := range cps {
		if cp.Status != store.CheckpointCompleted {
			continue
		}
		fp, _ := cp.Metadata["filePath"].(string)
		if fp == "" || filepath.Dir(fp) != p.Directory {
			continue
		}
		agg.Files = append(agg.Files, fp)
		agg.EntityCount += metaCount(cp.Metadata, "entityCount")
		for _, poi := range poisFromMetadata(cp.Metadata) {
			agg.Kinds[poi.Type]++
		}
	}
	if len(agg.Files) == 0 {
		// The triggering file's checkpoint commits just after its outbox row,
		// so an early delivery can observe neither. Retry picks it up.
		return nil, faults.Transient(fmt.Errorf("no extraction checkpoints yet for %s", p.Directory))
	}
	sort.Strings(agg.Files)

	jc.Logger.Debug("Directory aggregated",
		"directory", p.Directory, "files", len(agg.Files), "entities", agg.EntityCount)
	return &Result{Rows: []Row{{
		EventType: EventDirectoryAggregated,
		Payload:   agg,
		DedupeKey: agg.Directory,
	}}}, nil
}

const directorySystemPrompt = "You are a static-analysis assistant. " +
	"Summarise what a source directory is for and answer with JSON only."

// DirectoryResolver asks the LLM for a short purpose summary of one
// aggregated directory and hands the summary node to graph ingestion.
type DirectoryResolver struct {
	llm    llm.Client
	logger *slog.Logger
}

// NewDirectoryResolver builds the directory-resolution handler.
func NewDirectoryResolver(client llm.Client, logger *slog.Logger) *DirectoryResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectoryResolver{llm: client, logger: logger.With("component", "directory_resolver")}
}

// Handle resolves the directory summary and emits a node-only graph batch.
// Directory nodes sit outside the per-file checkpoint chain, so the batch
// carries no checkpoint entity.
func (r *DirectoryResolver) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	var p DirectoryAggregated
	if err := json.Unmarshal([]byte(jc.Job.Payload), &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable resolution job: %v", faults.ErrValidation, err)
	}

	completion, err := r.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: directorySystemPrompt},
		{Role: llm.RoleUser, Content: directoryPrompt(&p)},
	})
	if err != nil {
		return nil, err
	}
	var resolved struct {
		Summary string `json:"summary"`
	}
	if err := llm.DecodeInto(completion, &resolved); err != nil {
		return nil, err
	}
	if resolved.Summary == "" {
		return nil, faults.Transient(fmt.Errorf("empty summary for %s", p.Directory))
	}

	batch := GraphBatch{
		Nodes: []graph.Node{{
			ID:   "dir:" + p.Directory,
			Kind: "Directory",
			Name: filepath.Base(p.Directory),
			Props: map[string]any{
				"path":       p.Directory,
				"summary":    resolved.Summary,
				"file_count": len(p.Files),
			},
		}},
	}
	jc.Logger.Debug("Directory resolved", "directory", p.Directory)
	return &Result{Rows: []Row{{
		EventType: EventDirectoryResolved,
		Payload:   batch,
		DedupeKey: p.Directory,
	}}}, nil
}

func directoryPrompt(p *DirectoryAggregated) string {
	var kinds []string
	for kind, n := range p.Kinds {
		kinds = append(kinds, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(kinds)
	return fmt.Sprintf(`Directory %s holds %d analyzed files with %d entities (%s):
%s

Answer with a JSON object {"summary": "one or two sentences on what this directory is for"}.`,
		p.Directory, len(p.Files), p.EntityCount,
		strings.Join(kinds, ", "), strings.Join(p.Files, "\n"))
}
