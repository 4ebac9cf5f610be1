package reactive

import (
	"sort"
)

// keysKey is tracked by readers of the key set.
const keysKey = "\x00keys"

// Observable is a tracked property bag. Reads inside a computation record a
// dependency; every write triggers dependents, even when the value is
// unchanged.
type Observable struct {
	engine *Engine
	values map[string]any
}

// Observe wraps a copy of init.
func (e *Engine) Observe(init map[string]any) *Observable {
	o := &Observable{engine: e, values: make(map[string]any, len(init))}
	for k, v := range init {
		o.values[k] = v
	}
	return o
}

// Get returns the value for key and tracks the read.
func (o *Observable) Get(key string) (any, bool) {
	o.engine.Track(o, key)
	v, ok := o.values[key]
	return v, ok
}

// Peek returns the value without tracking.
func (o *Observable) Peek(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Set stores v and triggers readers of key.
func (o *Observable) Set(key string, v any) {
	_, existed := o.values[key]
	o.values[key] = v
	o.engine.Trigger(o, key)
	if !existed {
		o.engine.Trigger(o, keysKey)
	}
}

// Delete removes key. It reports false if key was absent.
func (o *Observable) Delete(key string) bool {
	if _, ok := o.values[key]; !ok {
		return false
	}
	delete(o.values, key)
	o.engine.Trigger(o, key)
	o.engine.Trigger(o, keysKey)
	return true
}

// Has reports whether key is set, tracking the read.
func (o *Observable) Has(key string) bool {
	o.engine.Track(o, key)
	_, ok := o.values[key]
	return ok
}

// Keys returns the sorted key set and tracks it.
func (o *Observable) Keys() []string {
	o.engine.Track(o, keysKey)
	keys := make([]string, 0, len(o.values))
	for k := range o.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
