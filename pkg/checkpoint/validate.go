package checkpoint

import (
	"fmt"
	"os"
	"time"

	"github.com/graphsmith/graphsmith/pkg/config"
)

// relationshipTypes is the closed set accepted at RELATIONSHIPS_BUILT.
var relationshipTypes = map[string]struct{}{
	"CALLS":      {},
	"IMPORTS":    {},
	"EXTENDS":    {},
	"IMPLEMENTS": {},
	"USES":       {},
}

// ValidRelationshipType reports whether t is in the accepted relationship set.
func ValidRelationshipType(t string) bool {
	_, ok := relationshipTypes[t]
	return ok
}

// Validate applies the stage rules to cp's metadata and returns the result.
// bench gates PIPELINE_COMPLETE; it may be nil for every other stage.
func Validate(cp *Checkpoint, bench *config.BenchmarkConfig) *ValidationResult {
	res := &ValidationResult{Valid: true, CheckedAt: time.Now().UTC()}
	switch cp.Stage {
	case StageFileLoaded:
		validateFileLoaded(cp.Metadata, res)
	case StageEntitiesExtracted:
		validateEntitiesExtracted(cp.Metadata, res)
	case StageRelationshipsBuilt:
		validateRelationshipsBuilt(cp.Metadata, res)
	case StageNeo4jStored:
		validateGraphStored(cp.Metadata, res)
	case StagePipelineComplete:
		validatePipelineComplete(cp.Metadata, bench, res)
	default:
		res.fail(fmt.Sprintf("unknown stage %q", cp.Stage))
	}
	return res
}

func (r *ValidationResult) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

func (r *ValidationResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func validateFileLoaded(meta map[string]any, res *ValidationResult) {
	path := metaString(meta, "filePath")
	if path == "" {
		res.fail("filePath missing")
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		res.fail(fmt.Sprintf("filePath %s: %v", path, err))
		return
	}
	if info.IsDir() {
		res.fail(fmt.Sprintf("filePath %s is a directory", path))
		return
	}
	if info.Size() == 0 {
		res.fail(fmt.Sprintf("filePath %s is empty", path))
	}
	f, err := os.Open(path)
	if err != nil {
		res.fail(fmt.Sprintf("filePath %s not readable: %v", path, err))
		return
	}
	f.Close()
}

func validateEntitiesExtracted(meta map[string]any, res *ValidationResult) {
	count, ok := metaInt(meta, "entityCount")
	switch {
	case !ok:
		res.fail("entityCount missing")
	case count <= 0:
		res.fail(fmt.Sprintf("entityCount %d must be positive", count))
	}
	entities, listed := metaSlice(meta, "entities")
	if listed && ok && int64(len(entities)) != count {
		res.warn(fmt.Sprintf("entityCount %d does not match %d listed entities", count, len(entities)))
	}
	for i, e := range entities {
		obj, isObj := e.(map[string]any)
		if !isObj {
			res.fail(fmt.Sprintf("entities[%d] is not an object", i))
			continue
		}
		for _, field := range []string{"id", "type", "name"} {
			if metaString(obj, field) == "" {
				res.fail(fmt.Sprintf("entities[%d] missing %s", i, field))
			}
		}
	}
}

func validateRelationshipsBuilt(meta map[string]any, res *ValidationResult) {
	relationships, ok := metaSlice(meta, "relationships")
	if !ok {
		res.fail("relationships missing")
		return
	}
	for i, r := range relationships {
		obj, isObj := r.(map[string]any)
		if !isObj {
			res.fail(fmt.Sprintf("relationships[%d] is not an object", i))
			continue
		}
		if metaString(obj, "from") == "" {
			res.fail(fmt.Sprintf("relationships[%d] missing from", i))
		}
		if metaString(obj, "to") == "" {
			res.fail(fmt.Sprintf("relationships[%d] missing to", i))
		}
		typ := metaString(obj, "type")
		if typ == "" {
			res.fail(fmt.Sprintf("relationships[%d] missing type", i))
		} else if _, known := relationshipTypes[typ]; !known {
			res.fail(fmt.Sprintf("relationships[%d] has unknown type %q", i, typ))
		}
	}
}

func validateGraphStored(meta map[string]any, res *ValidationResult) {
	nodes, ok := metaInt(meta, "nodesCreated")
	if !ok || nodes <= 0 {
		res.fail("nodesCreated must be positive")
	}
	rels, ok := metaInt(meta, "relationshipsCreated")
	if !ok || rels <= 0 {
		res.fail("relationshipsCreated must be positive")
	}
}

func validatePipelineComplete(meta map[string]any, bench *config.BenchmarkConfig, res *ValidationResult) {
	if bench == nil {
		res.fail("benchmark configuration missing")
		return
	}
	nodes, ok := metaInt(meta, "totalNodes")
	if !ok {
		res.fail("totalNodes missing")
	} else if nodes < int64(bench.MinNodes) {
		res.fail(fmt.Sprintf("totalNodes %d below benchmark %d", nodes, bench.MinNodes))
	}
	rels, ok := metaInt(meta, "totalRelationships")
	if !ok {
		res.fail("totalRelationships missing")
	} else if rels < int64(bench.MinRelationships) {
		res.fail(fmt.Sprintf("totalRelationships %d below benchmark %d", rels, bench.MinRelationships))
	}
	durMS, ok := metaInt(meta, "durationMs")
	if !ok {
		res.fail("durationMs missing")
	} else if d := time.Duration(durMS) * time.Millisecond; d > bench.MaxDuration {
		res.fail(fmt.Sprintf("duration %s exceeds benchmark %s", d, bench.MaxDuration))
	}
}

// metaString returns meta[key] as a string, or "" when absent or another type.
func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

// metaInt returns meta[key] as an integer. Fresh metadata holds Go ints;
// metadata round-tripped through JSON holds float64.
func metaInt(meta map[string]any, key string) (int64, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func metaSlice(meta map[string]any, key string) ([]any, bool) {
	if meta == nil {
		return nil, false
	}
	s, ok := meta[key].([]any)
	return s, ok
}
