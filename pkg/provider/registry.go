package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownModel is returned when no configured provider serves a model.
var ErrUnknownModel = errors.New("unknown model")

// ModelDef describes one model served by a configured provider.
type ModelDef struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Model is a model listing entry, annotated with its owning provider.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Registry maps model ids to the provider configured to serve them.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	models    map[string]string // model id -> provider name
	defs      []Model
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		models:    make(map[string]string),
	}
}

// Register adds a provider and the models it serves.
func (r *Registry) Register(p Provider, models []ModelDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	for _, m := range models {
		if owner, taken := r.models[m.ID]; taken {
			return fmt.Errorf("model %q already served by provider %q", m.ID, owner)
		}
		r.models[m.ID] = name
		display := m.Name
		if display == "" {
			display = m.ID
		}
		r.defs = append(r.defs, Model{ID: m.ID, Name: display, Provider: name})
	}
	return nil
}

// Lookup returns the provider serving the given model id.
func (r *Registry) Lookup(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.models[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return r.providers[name], nil
}

// Models returns all configured models sorted by id.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, len(r.defs))
	copy(out, r.defs)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
