package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Factory returns a new, unconnected Connection.
type Factory func() Connection

// Definition binds a protocol kind to its implementation.
type Definition struct {
	Kind        Kind
	Description string
	New         Factory
}

// Registry maps protocol kinds to definitions. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[Kind]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Kind]Definition)}
}

// DefaultRegistry holds the protocols that register themselves at init time.
var DefaultRegistry = NewRegistry()

// Register adds def. Kinds are matched case-insensitively; registering the
// same kind twice is an error.
func (r *Registry) Register(def Definition) error {
	kind := def.Kind.normalize()
	if kind == "" {
		return fmt.Errorf("register protocol: empty kind")
	}
	if def.New == nil {
		return fmt.Errorf("register protocol %s: nil factory", kind)
	}
	def.Kind = kind

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[kind]; ok {
		return fmt.Errorf("register protocol %s: already registered", kind)
	}
	r.defs[kind] = def
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for kind.
func (r *Registry) Lookup(kind Kind) (Definition, error) {
	r.mu.RLock()
	def, ok := r.defs[kind.normalize()]
	r.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, string(kind))
	}
	return def, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Register adds def to DefaultRegistry.
func Register(def Definition) error { return DefaultRegistry.Register(def) }

// MustRegister adds def to DefaultRegistry and panics on error.
func MustRegister(def Definition) { DefaultRegistry.MustRegister(def) }

// Lookup resolves kind in DefaultRegistry.
func Lookup(kind Kind) (Definition, error) { return DefaultRegistry.Lookup(kind) }
