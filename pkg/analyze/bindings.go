package analyze

import (
	"log/slog"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/graph"
	"github.com/graphsmith/graphsmith/pkg/llm"
)

// Collaborators carries the externals the stage handlers share.
type Collaborators struct {
	LLM         llm.Client
	Graph       graph.Store
	Checkpoints *checkpoint.Manager
	Logger      *slog.Logger
}

// DefaultBindings returns the seven stage bindings in pipeline order. The
// coordinator binds each through the runner and hands it to that stage's
// worker.
func DefaultBindings(c Collaborators) []Binding {
	fileAnalyzer := NewFileAnalyzer(c.LLM, c.Logger)
	aggregator := NewDirectoryAggregator(c.Checkpoints, c.Logger)
	dirResolver := NewDirectoryResolver(c.LLM, c.Logger)
	relResolver := NewRelationshipResolver(c.LLM, c.Checkpoints, c.Logger)
	validator := NewValidator(c.Checkpoints, c.Logger)
	reconciler := NewReconciler(c.Checkpoints, c.Logger)
	ingestor := NewGraphIngestor(c.Graph, c.Logger)

	return []Binding{
		{
			Stage:     config.StageFileAnalysis,
			Handler:   fileAnalyzer.Handle,
			Gate:      checkpoint.StageEntitiesExtracted,
			EntityKey: FileEntityKey,
		},
		{
			Stage:   config.StageDirectoryAggregation,
			Handler: aggregator.Handle,
		},
		{
			Stage:   config.StageDirectoryResolution,
			Handler: dirResolver.Handle,
		},
		{
			Stage:     config.StageRelationshipResolution,
			Handler:   relResolver.Handle,
			Gate:      checkpoint.StageRelationshipsBuilt,
			EntityKey: FileEntityKey,
		},
		{
			Stage:     config.StageValidation,
			Handler:   validator.Handle,
			Gate:      checkpoint.StageRelationshipsBuilt,
			EntityKey: FileEntityKey,
		},
		{
			Stage:     config.StageReconciliation,
			Handler:   reconciler.Handle,
			Gate:      checkpoint.StageRelationshipsBuilt,
			EntityKey: FileEntityKey,
		},
		{
			Stage:     config.StageGraphIngestion,
			Handler:   ingestor.Handle,
			Gate:      checkpoint.StageNeo4jStored,
			EntityKey: BatchEntityKey,
		},
	}
}
