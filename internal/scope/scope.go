// Package scope implements an ordered chain of binding layers. Lookups search
// the layers front to back; writes update the first layer that already holds
// the name and otherwise land in the first layer.
package scope

import (
	"sort"
)

// Bindings is one layer of a Chain.
type Bindings interface {
	Lookup(name string) (any, bool)
	Store(name string, v any)
	Remove(name string) bool
	Names() []string
}

// Map is a plain map layer.
type Map map[string]any

func (m Map) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func (m Map) Store(name string, v any) { m[name] = v }

func (m Map) Remove(name string) bool {
	if _, ok := m[name]; !ok {
		return false
	}
	delete(m, name)
	return true
}

func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

// Chain is the unified view over its layers. It is not safe for concurrent
// use.
type Chain struct {
	scopes []Bindings
}

// NewChain creates a chain; scopes[0] receives new names.
func NewChain(scopes ...Bindings) *Chain {
	return &Chain{scopes: scopes}
}

// Scopes returns the layers, front first.
func (c *Chain) Scopes() []Bindings { return c.scopes }

// Append adds a layer at the back.
func (c *Chain) Append(b Bindings) { c.scopes = append(c.scopes, b) }

// Get returns the value from the first layer that holds name.
func (c *Chain) Get(name string) (any, bool) {
	for _, s := range c.scopes {
		if v, ok := s.Lookup(name); ok {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether any layer holds name.
func (c *Chain) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Set writes v into the first layer holding name, or into scopes[0].
func (c *Chain) Set(name string, v any) {
	for _, s := range c.scopes {
		if _, ok := s.Lookup(name); ok {
			s.Store(name, v)
			return
		}
	}
	if len(c.scopes) > 0 {
		c.scopes[0].Store(name, v)
	}
}

// Delete removes name from the first layer holding it. It reports false if no
// layer holds name.
func (c *Chain) Delete(name string) bool {
	for _, s := range c.scopes {
		if _, ok := s.Lookup(name); ok {
			return s.Remove(name)
		}
	}
	return false
}

// Keys returns the distinct names across all layers, sorted.
func (c *Chain) Keys() []string {
	seen := make(map[string]struct{})
	for _, s := range c.scopes {
		for _, n := range s.Names() {
			seen[n] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
