package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/featurestore"
)

// Registry — реестр агентов по capability.
//
// Потокобезопасен.
type Registry struct {
	mu     sync.RWMutex
	agents map[domain.Capability]Agent
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[domain.Capability]Agent),
	}
}

// DefaultRegistry создаёт реестр со всеми встроенными агентами.
//
// features может быть nil: тогда признаки не сохраняются.
func DefaultRegistry(features featurestore.Client) *Registry {
	r := NewRegistry()

	r.Register(NewDataCleaning())
	r.Register(NewFeatureEngineering(features))
	r.Register(NewModelSelection())
	r.Register(NewModelTraining())
	r.Register(NewSignalGeneration())
	r.Register(NewRemote(nil))

	return r
}

// Register регистрирует агента.
// Агент с той же capability перезаписывается.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Capability()] = a
}

// Get возвращает агента по capability.
func (r *Registry) Get(c domain.Capability) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, c)
	}
	return a, nil
}

// Has проверяет, зарегистрирован ли агент.
func (r *Registry) Has(c domain.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[c]
	return ok
}

// Capabilities возвращает отсортированный список зарегистрированных capability.
func (r *Registry) Capabilities() []domain.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]domain.Capability, 0, len(r.agents))
	for c := range r.agents {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Unregister удаляет агента.
func (r *Registry) Unregister(c domain.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, c)
}
