package analyze

import (
	"context"
	"errors"
	"fmt"

	"github.com/graphsmith/graphsmith/pkg/checkpoint"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/store"
)

// entitiesFromCheckpoint loads the POI list recorded at ENTITIES_EXTRACTED
// for one file. Downstream stages treat the checkpoint as the authoritative
// entity source; queue payloads only carry the file identity.
func entitiesFromCheckpoint(ctx context.Context, cps *checkpoint.Manager, runID, filePath string) ([]POI, error) {
	cp, err := cps.Active(ctx, runID, checkpoint.StageEntitiesExtracted, filePath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: no entity checkpoint for %s", faults.ErrPrerequisite, filePath)
		}
		return nil, faults.Transient(err)
	}
	if cp.Status != store.CheckpointCompleted {
		return nil, fmt.Errorf("%w: entity checkpoint for %s is %s", faults.ErrPrerequisite, filePath, cp.Status)
	}
	return poisFromMetadata(cp.Metadata), nil
}

// poisFromMetadata decodes the entities list out of checkpoint metadata.
// Metadata has round-tripped through JSON, so entries arrive as generic maps.
func poisFromMetadata(meta map[string]any) []POI {
	list, _ := meta["entities"].([]any)
	pois := make([]POI, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var poi POI
		poi.ID, _ = m["id"].(string)
		poi.Type, _ = m["type"].(string)
		poi.Name, _ = m["name"].(string)
		if poi.ID != "" {
			pois = append(pois, poi)
		}
	}
	return pois
}

// metaCount reads an integer out of round-tripped metadata. Fresh maps hold
// ints, decoded JSON holds float64.
func metaCount(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
