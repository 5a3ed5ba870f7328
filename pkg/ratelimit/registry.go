package ratelimit

import (
	"fmt"
	"sync"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// Status is one limiter's balance snapshot for the pool status endpoint.
type Status struct {
	Tokens   float64 `json:"tokens"`
	Capacity int     `json:"capacity"`
	Rate     float64 `json:"rate_per_second"`
}

// Registry holds one limiter per registered stage.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry builds limiters for every stage in the registry.
func NewRegistry(stages *config.StageRegistry) *Registry {
	r := &Registry{limiters: make(map[string]*Limiter)}
	if stages != nil {
		for _, sc := range stages.All() {
			r.limiters[sc.Name] = ForStage(sc)
		}
	}
	return r
}

// Register adds a limiter for a stage, replacing any existing one.
func (r *Registry) Register(sc *config.StageConfig) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := ForStage(sc)
	r.limiters[sc.Name] = l
	return l
}

// For returns the limiter for a stage.
func (r *Registry) For(stage string) (*Limiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[stage]
	if !ok {
		return nil, fmt.Errorf("%w: no rate limiter for stage %s", faults.ErrConfig, stage)
	}
	return l, nil
}

// Status snapshots every limiter's balance.
func (r *Registry) Status() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = Status{Tokens: l.Tokens(), Capacity: l.Capacity(), Rate: l.Rate()}
	}
	return out
}
