// Package payload defines the typed frame payloads stored in a recording.
//
// Every payload kind has a stable type name that is written into the
// container next to its track. Readers resolve that name through a Registry
// to get a fresh value to decode into, so adding a kind never touches the
// codec.
package payload

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned when a type name has no registered kind.
var ErrUnknownType = errors.New("unknown payload type")

// ErrMalformed is returned when payload bytes do not match the kind's layout.
var ErrMalformed = errors.New("malformed payload")

// Payload is one typed frame or static value.
type Payload interface {
	TypeName() string
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Sized is implemented by payloads that can report their encoded size
// without encoding.
type Sized interface {
	BinarySize() int
}

// SizeOf returns the encoded size of p.
func SizeOf(p Payload) int {
	if s, ok := p.(Sized); ok {
		return s.BinarySize()
	}
	data, err := p.MarshalBinary()
	if err != nil {
		return 0
	}
	return len(data)
}

// Factory returns a new zero value of a payload kind.
type Factory func() Payload

// Registry maps type names to payload kinds. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry holding every built-in kind.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeRaw, func() Payload { return &Raw{} })
	r.Register(TypeBasic, func() Payload { return &Basic{} })
	r.Register(TypeBasicStatic, func() Payload { return &BasicStatic{} })
	r.Register(TypeTransform, func() Payload { return &Transform{} })
	r.Register(TypeAnimation, func() Payload { return &Animation{} })
	r.Register(TypeAnimationStatic, func() Payload { return &AnimationStatic{} })
	return r
}

// Register adds or replaces the kind for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a zero value of the kind registered under name.
func (r *Registry) New(name string) (Payload, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return f(), nil
}

// Decode decodes binary data as the kind registered under name.
func (r *Registry) Decode(name string, data []byte) (Payload, error) {
	p, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if err := p.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", name, err)
	}
	return p, nil
}

// DecodeJSON decodes a JSON document as the kind registered under name.
func (r *Registry) DecodeJSON(name string, data []byte) (Payload, error) {
	p, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", name, err)
	}
	return p, nil
}
