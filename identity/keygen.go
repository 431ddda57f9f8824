package identity

import (
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/sharedcode/sopdoc"
)

// Well known key types.
const (
	KeyUUID     = "uuid"
	KeySequence = "sequence"
)

// NextFunc computes the next identifier from the last one handed out ("" on first call).
// It must be a pure function; Generator serializes calls to it.
type NextFunc func(last string) (string, error)

// Generator hands out identifiers. Concurrent callers never receive duplicates.
type Generator struct {
	mu   sync.Mutex
	next NextFunc
	last string
}

// NewGenerator returns a Generator over next, starting after seed.
func NewGenerator(next NextFunc, seed string) *Generator {
	return &Generator{next: next, last: seed}
}

// Next returns the next identifier.
func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, err := g.next(g.last)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", sopdoc.Errorf(sopdoc.UnresolvableIdentifier, "identity.Generator.Next", "generator returned an empty identifier")
	}
	g.last = v
	return v, nil
}

// UUIDNext ignores last and returns a new random UUID.
func UUIDNext(string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SequenceNext returns last+1, starting at 1.
func SequenceNext(last string) (string, error) {
	if last == "" {
		return "1", nil
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return "", sopdoc.NewError(sopdoc.UnresolvableIdentifier, "identity.SequenceNext", err)
	}
	return strconv.FormatInt(n+1, 10), nil
}

// Registry resolves key types to generators. It is built once and read only afterwards.
type Registry struct {
	generators map[string]*Generator
}

// NewRegistry builds a Registry from key type to generator.
func NewRegistry(generators map[string]*Generator) *Registry {
	r := &Registry{generators: make(map[string]*Generator, len(generators))}
	for k, g := range generators {
		r.generators[k] = g
	}
	return r
}

// NewDefaultRegistry returns a new Registry with the uuid & sequence key types.
func NewDefaultRegistry() *Registry {
	return NewRegistry(map[string]*Generator{
		KeyUUID:     NewGenerator(UUIDNext, ""),
		KeySequence: NewGenerator(SequenceNext, ""),
	})
}

// Resolve returns the generator of keyType. Unregistered key types fail with UnresolvableIdentifier.
func (r *Registry) Resolve(keyType string) (*Generator, error) {
	if r != nil {
		if g, ok := r.generators[keyType]; ok {
			return g, nil
		}
	}
	return nil, sopdoc.Errorf(sopdoc.UnresolvableIdentifier, "identity.Registry.Resolve", "no key generator registered for key type %q", keyType)
}
