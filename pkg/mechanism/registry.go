package mechanism

import (
	"sort"
	"sync"
)

// Factory constructs a Mechanism for one conversation.
type Factory func(cfg Config) (Mechanism, error)

// Priorities of the built-in mechanisms. Higher values are preferred.
const (
	PriorityAnonymous = 0
	PriorityPSK       = 10
	PrioritySPEKE     = 20
	PriorityECDSA     = 30
)

type registration struct {
	factory  Factory
	priority int
}

// Registry holds the mechanisms enabled locally. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	mechanisms map[string]registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mechanisms: make(map[string]registration)}
}

// DefaultRegistry returns a registry holding the named built-in mechanisms. PSK is only
// registered if enablePSK is set. Unknown names are ignored; an empty list enables ANON, SPEKE
// and ECDSA.
func DefaultRegistry(names []string, enablePSK bool) *Registry {
	r := NewRegistry()
	if len(names) == 0 {
		names = []string{NameECDSA, NameSPEKE, NameAnonymous}
		if enablePSK {
			names = append(names, NamePSK)
		}
	}
	for _, name := range names {
		switch name {
		case NameAnonymous:
			r.Register(name, PriorityAnonymous, NewAnonymous)
		case NamePSK:
			if enablePSK {
				r.Register(name, PriorityPSK, NewPSK)
			}
		case NameSPEKE:
			r.Register(name, PrioritySPEKE, NewSPEKE)
		case NameECDSA:
			r.Register(name, PriorityECDSA, NewECDSA)
		}
	}
	return r
}

// Register adds or replaces a mechanism.
func (r *Registry) Register(name string, priority int, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mechanisms[name] = registration{factory: factory, priority: priority}
}

// Unregister disables a mechanism.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mechanisms, name)
}

// Enabled returns true if name is registered.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.mechanisms[name]
	return ok
}

// Names returns the registered mechanisms, most preferred first.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.mechanisms))
	for name := range r.mechanisms {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return r.Select(names)
}

// Select returns the registered mechanisms among advertised, ordered by priority. Mechanisms of
// equal priority keep their advertised order. Duplicates are dropped.
func (r *Registry) Select(advertised []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var candidates []string
	for _, name := range advertised {
		if _, ok := r.mechanisms[name]; ok && !seen[name] {
			seen[name] = true
			candidates = append(candidates, name)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return r.mechanisms[candidates[i]].priority > r.mechanisms[candidates[j]].priority
	})
	return candidates
}

// New constructs the named mechanism.
func (r *Registry) New(name string, cfg Config) (Mechanism, error) {
	r.mu.RLock()
	reg, ok := r.mechanisms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownMechanism
	}
	return reg.factory(cfg)
}
