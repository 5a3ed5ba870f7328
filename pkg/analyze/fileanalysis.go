package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/llm"
)

// maxPromptBytes caps how much file content goes into the extraction prompt.
const maxPromptBytes = 64 << 10

const extractionSystemPrompt = "You are a static-analysis assistant. " +
	"Extract the entities declared in source code and answer with JSON only."

// FileAnalyzer extracts points of interest from one source file via the LLM
// and records the file's ENTITIES_EXTRACTED checkpoint.
type FileAnalyzer struct {
	llm    llm.Client
	logger *slog.Logger
}

// NewFileAnalyzer builds the file-analysis handler.
func NewFileAnalyzer(client llm.Client, logger *slog.Logger) *FileAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileAnalyzer{llm: client, logger: logger.With("component", "file_analyzer")}
}

// Handle reads the file, asks the LLM for its POIs, and fans them out: one
// poi-discovered row per POI toward relationship resolution plus one
// file-analyzed row toward the file's directory aggregation.
func (a *FileAnalyzer) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	var p FileJob
	if err := json.Unmarshal([]byte(jc.Job.Payload), &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable file job: %v", faults.ErrValidation, err)
	}

	content, err := os.ReadFile(p.FilePath)
	if err != nil {
		return nil, faults.Fatal(fmt.Errorf("read %s: %w", p.FilePath, err))
	}
	if len(content) > maxPromptBytes {
		content = content[:maxPromptBytes]
	}

	completion, err := a.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: extractionSystemPrompt},
		{Role: llm.RoleUser, Content: extractionPrompt(p.FilePath, string(content))},
	})
	if err != nil {
		return nil, err
	}

	var extracted struct {
		POIs []POI `json:"pois"`
	}
	if err := llm.DecodeInto(completion, &extracted); err != nil {
		return nil, err
	}
	if len(extracted.POIs) == 0 {
		// Usually a degenerate completion rather than a truly empty file.
		return nil, faults.Transient(fmt.Errorf("no entities extracted from %s", p.FilePath))
	}

	rows := make([]Row, 0, len(extracted.POIs)+1)
	entities := make([]map[string]any, 0, len(extracted.POIs))
	for _, poi := range extracted.POIs {
		if poi.ID == "" {
			// Stable across retries so graph merges stay idempotent.
			poi.ID = p.FilePath + "#" + poi.Name
		}
		rows = append(rows, Row{
			EventType: EventPOIDiscovered,
			Payload:   POIDiscovered{FilePath: p.FilePath, POI: poi},
			DedupeKey: p.FilePath,
		})
		entities = append(entities, map[string]any{
			"id":   poi.ID,
			"type": poi.Type,
			"name": poi.Name,
		})
	}

	dir := filepath.Dir(p.FilePath)
	rows = append(rows, Row{
		EventType: EventFileAnalyzed,
		Payload:   FileAnalyzed{FilePath: p.FilePath, Directory: dir, EntityCount: len(extracted.POIs)},
		DedupeKey: dir,
	})

	jc.Logger.Debug("File analyzed", "file_path", p.FilePath, "entities", len(extracted.POIs))
	return &Result{
		Rows: rows,
		Checkpoint: &Mark{
			Stage:    checkpoint.StageEntitiesExtracted,
			EntityID: p.FilePath,
			Metadata: map[string]any{
				"filePath":    p.FilePath,
				"entityCount": len(extracted.POIs),
				"entities":    entities,
			},
		},
	}, nil
}

func extractionPrompt(path, content string) string {
	return fmt.Sprintf(`Extract every function, class, method, variable, and import declared in %s.
Answer with a JSON object of the form
{"pois": [{"id": "", "type": "function|class|method|variable|import", "name": "", "start_line": 0, "end_line": 0, "summary": ""}]}.

%s`, path, content)
}
