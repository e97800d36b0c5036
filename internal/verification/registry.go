package verification

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"trust-engine/internal/config"
)

var (
	ErrUnknownMethod   = errors.New("unknown verification method")
	ErrDuplicateMethod = errors.New("verification method already registered")
)

// Registry is the lookup table from stable identifier to Method. Adding a
// method never requires touching the engine.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// DefaultRegistry builds the built-in method set from engine configuration.
func DefaultRegistry(cfg config.EngineConfig) (*Registry, error) {
	network, err := NewNetworkVerification(cfg.TrustedNetworks)
	if err != nil {
		return nil, err
	}

	r := NewRegistry()
	for _, m := range []Method{
		NewSystemIdentity(cfg.KnownServices),
		StaticScore{Name: MethodComponentIntegrity, Value: cfg.ComponentIntegrityScore},
		network,
		Behavioral(),
		Temporal{Start: cfg.NormalHoursStart, End: cfg.NormalHoursEnd},
		ResourceSensitivity{Prefixes: cfg.SensitivePathPrefixes},
		StaticScore{Name: MethodDependency, Value: cfg.DependencyScore},
		RequestHygiene(),
	} {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(m Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, m.ID())
	}
	r.methods[m.ID()] = m
	return nil
}

// Replace swaps the implementation behind an existing identifier, e.g. to
// plug a real attestation check in for component_integrity.
func (r *Registry) Replace(m Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.methods[m.ID()]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, m.ID())
	}
	r.methods[m.ID()] = m
	return nil
}

func (r *Registry) Get(id string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, id)
	}
	return m, nil
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[id]
	return ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.methods))
	for id := range r.methods {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
