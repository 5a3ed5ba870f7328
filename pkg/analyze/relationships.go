package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/llm"
)

const resolutionSystemPrompt = "You are a static-analysis assistant. " +
	"Infer relationships between code entities and answer with JSON only."

// RelationshipResolver asks the LLM how one file's entities relate. The
// per-file job is the coalesced product of that file's poi-discovered rows;
// the entity list comes from the ENTITIES_EXTRACTED checkpoint.
type RelationshipResolver struct {
	llm         llm.Client
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

// NewRelationshipResolver builds the relationship-resolution handler.
func NewRelationshipResolver(client llm.Client, cps *checkpoint.Manager, logger *slog.Logger) *RelationshipResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelationshipResolver{
		llm:         client,
		checkpoints: cps,
		logger:      logger.With("component", "relationship_resolver"),
	}
}

// Handle resolves the file's relationships and emits one
// relationships-resolved row toward validation.
func (r *RelationshipResolver) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	var p POIDiscovered
	if err := json.Unmarshal([]byte(jc.Job.Payload), &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable resolution job: %v", faults.ErrValidation, err)
	}

	pois, err := entitiesFromCheckpoint(ctx, r.checkpoints, jc.RunID, p.FilePath)
	if err != nil {
		return nil, err
	}
	if len(pois) == 0 {
		return nil, fmt.Errorf("%w: checkpoint for %s lists no entities", faults.ErrPrerequisite, p.FilePath)
	}

	completion, err := r.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: resolutionSystemPrompt},
		{Role: llm.RoleUser, Content: resolutionPrompt(p.FilePath, pois)},
	})
	if err != nil {
		return nil, err
	}
	var resolved struct {
		Relationships []RelationshipEdge `json:"relationships"`
	}
	if err := llm.DecodeInto(completion, &resolved); err != nil {
		return nil, err
	}

	jc.Logger.Debug("Relationships resolved",
		"file_path", p.FilePath, "relationships", len(resolved.Relationships))
	return &Result{Rows: []Row{{
		EventType: EventRelationshipsResolved,
		Payload:   RelationshipsResolved{FilePath: p.FilePath, Relationships: resolved.Relationships},
		DedupeKey: p.FilePath,
	}}}, nil
}

func resolutionPrompt(path string, pois []POI) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Entities declared in %s:\n", path)
	for _, poi := range pois {
		fmt.Fprintf(&sb, "- %s (%s, id %s)\n", poi.Name, poi.Type, poi.ID)
	}
	sb.WriteString(`
Infer the relationships between these entities. Use only the entity ids above.
Answer with a JSON object of the form
{"relationships": [{"from": "", "to": "", "type": "CALLS|IMPORTS|EXTENDS|IMPLEMENTS|USES", "confidence": 0.0, "evidence": ""}]}.`)
	return sb.String()
}

// Validator checks resolved relationships against the file's entity
// checkpoint: both endpoints must be known entity ids and the type must be
// in the accepted set. Invalid edges are dropped, not fatal.
type Validator struct {
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

// NewValidator builds the validation handler.
func NewValidator(cps *checkpoint.Manager, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{checkpoints: cps, logger: logger.With("component", "relationship_validator")}
}

// Handle filters the edge set and emits one relationships-validated row
// toward reconciliation.
func (v *Validator) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	var p RelationshipsResolved
	if err := json.Unmarshal([]byte(jc.Job.Payload), &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable validation job: %v", faults.ErrValidation, err)
	}

	pois, err := entitiesFromCheckpoint(ctx, v.checkpoints, jc.RunID, p.FilePath)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(pois))
	for _, poi := range pois {
		known[poi.ID] = true
	}

	kept := make([]RelationshipEdge, 0, len(p.Relationships))
	dropped := 0
	for _, edge := range p.Relationships {
		switch {
		case edge.From == "" || edge.To == "":
			dropped++
		case !known[edge.From] || !known[edge.To]:
			dropped++
		case !checkpoint.ValidRelationshipType(edge.Type):
			dropped++
		default:
			if edge.Confidence < 0 {
				edge.Confidence = 0
			}
			if edge.Confidence > 1 {
				edge.Confidence = 1
			}
			kept = append(kept, edge)
		}
	}
	if dropped > 0 {
		jc.Logger.Warn("Dropped invalid relationships",
			"file_path", p.FilePath, "dropped", dropped, "kept", len(kept))
	}

	return &Result{Rows: []Row{{
		EventType: EventRelationshipsValidated,
		Payload:   RelationshipsValidated{FilePath: p.FilePath, Relationships: kept, Dropped: dropped},
		DedupeKey: p.FilePath,
	}}}, nil
}

// Reconciler merges duplicate edges, assembles the file's graph batch, and
// records the RELATIONSHIPS_BUILT checkpoint.
type Reconciler struct {
	checkpoints *checkpoint.Manager
	logger      *slog.Logger
}

// NewReconciler builds the reconciliation handler.
func NewReconciler(cps *checkpoint.Manager, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{checkpoints: cps, logger: logger.With("component", "reconciler")}
}

// Handle deduplicates the validated edges by (from, type, to), keeping the
// highest confidence, and emits the file's graph batch.
func (r *Reconciler) Handle(ctx context.Context, jc *JobContext) (*Result, error) {
	var p RelationshipsValidated
	if err := json.Unmarshal([]byte(jc.Job.Payload), &p); err != nil {
		return nil, fmt.Errorf("%w: undecodable reconciliation job: %v", faults.ErrValidation, err)
	}

	pois, err := entitiesFromCheckpoint(ctx, r.checkpoints, jc.RunID, p.FilePath)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]RelationshipEdge, len(p.Relationships))
	order := make([]string, 0, len(p.Relationships))
	for _, edge := range p.Relationships {
		key := edge.From + "\x00" + edge.Type + "\x00" + edge.To
		prev, seen := merged[key]
		if !seen {
			merged[key] = edge
			order = append(order, key)
			continue
		}
		if edge.Confidence > prev.Confidence {
			merged[key] = edge
		}
	}
	sort.Strings(order)

	nodes := make([]graph.Node, 0, len(pois))
	for _, poi := range pois {
		nodes = append(nodes, graph.Node{
			ID:    poi.ID,
			Kind:  poi.Type,
			Name:  poi.Name,
			Props: map[string]any{"file_path": p.FilePath},
		})
	}

	rels := make([]graph.Relationship, 0, len(merged))
	relMeta := make([]map[string]any, 0, len(merged))
	for _, key := range order {
		edge := merged[key]
		rels = append(rels, graph.Relationship{
			FromID: edge.From,
			ToID:   edge.To,
			Type:   edge.Type,
			Props:  map[string]any{"confidence": edge.Confidence},
		})
		relMeta = append(relMeta, map[string]any{
			"from": edge.From,
			"to":   edge.To,
			"type": edge.Type,
		})
	}

	jc.Logger.Debug("File reconciled",
		"file_path", p.FilePath, "nodes", len(nodes), "relationships", len(rels))
	return &Result{
		Rows: []Row{{
			EventType: EventGraphBatchReady,
			Payload:   GraphBatch{CheckpointEntity: p.FilePath, Nodes: nodes, Relationships: rels},
			DedupeKey: p.FilePath,
		}},
		Checkpoint: &Mark{
			Stage:    checkpoint.StageRelationshipsBuilt,
			EntityID: p.FilePath,
			Metadata: map[string]any{
				"filePath":          p.FilePath,
				"relationships":     relMeta,
				"relationshipCount": len(relMeta),
			},
		},
	}, nil
}
