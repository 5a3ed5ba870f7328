package breaker

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/events"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// Registry owns one breaker per stage.
type Registry struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry builds breakers for every registered stage.
func NewRegistry(stages *config.StageRegistry, bus *events.Bus, logger *slog.Logger) *Registry {
	r := &Registry{
		bus:      bus,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
	if stages != nil {
		for _, sc := range stages.All() {
			r.breakers[sc.Name] = New(SettingsForStage(sc), bus, logger)
		}
	}
	return r
}

// Register adds a breaker for a stage, replacing any existing one.
func (r *Registry) Register(sc *config.StageConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(SettingsForStage(sc), r.bus, r.logger)
	r.breakers[sc.Name] = b
	return b
}

// For returns the breaker guarding a stage.
func (r *Registry) For(stage string) (*Breaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[stage]
	if !ok {
		return nil, fmt.Errorf("%w: no circuit breaker for stage %s", faults.ErrConfig, stage)
	}
	return b, nil
}

// Status snapshots every breaker.
func (r *Registry) Status() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Status()
	}
	return out
}

// OpenCount reports how many breakers are currently not closed.
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, b := range r.breakers {
		if b.State() != StateClosed {
			n++
		}
	}
	return n
}

// SetOnResult installs the per-call outcome observer on every breaker.
func (r *Registry) SetOnResult(fn func(stage string, success bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.OnResult = fn
	}
}
