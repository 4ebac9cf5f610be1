// Package reactive implements a small dependency-tracking engine. A
// computation records every (owner, key) pair it reads while it runs; a later
// Trigger of one of those pairs marks the computation dirty and schedules a
// flush. All triggers raised before the flush runs coalesce into a single
// re-run per computation.
//
// The engine is not safe for concurrent use. It is meant to be driven from
// one goroutine, normally the script event loop, with schedule posting the
// flush back onto that same goroutine.
package reactive

type depKey struct {
	owner any
	key   string
}

// Computation is a registered zero-argument function.
type Computation struct {
	engine   *Engine
	fn       func()
	deps     map[depKey]struct{}
	runs     int
	disposed bool
}

// Runs returns how many times the computation has executed.
func (c *Computation) Runs() int { return c.runs }

// Disposed reports whether the computation was disposed.
func (c *Computation) Disposed() bool { return c.disposed }

// Dispose is shorthand for c's engine Dispose.
func (c *Computation) Dispose() { c.engine.Dispose(c) }

// Engine tracks reads and schedules re-runs.
type Engine struct {
	schedule func(func())

	running *Computation
	deps    map[depKey]map[*Computation]struct{}
	dirty   []*Computation
	queued  map[*Computation]struct{}
	pending bool

	// OnRun, when set, is called before every computation execution.
	OnRun func(*Computation)
}

// New creates an engine. schedule must run its argument later on the
// engine's goroutine; it is called at most once per pending flush.
func New(schedule func(func())) *Engine {
	return &Engine{
		schedule: schedule,
		deps:     make(map[depKey]map[*Computation]struct{}),
		queued:   make(map[*Computation]struct{}),
	}
}

// Computed registers fn and runs it immediately to collect its dependencies.
func (e *Engine) Computed(fn func()) *Computation {
	c := &Computation{engine: e, fn: fn}
	e.run(c)
	return c
}

// Running returns the computation currently executing, if any.
func (e *Engine) Running() *Computation { return e.running }

// Untracked runs fn without recording reads against the running computation.
func (e *Engine) Untracked(fn func()) {
	prev := e.running
	e.running = nil
	defer func() { e.running = prev }()
	fn()
}

// Track records a read of owner.key by the running computation.
func (e *Engine) Track(owner any, key string) {
	c := e.running
	if c == nil || c.disposed {
		return
	}
	k := depKey{owner, key}
	if c.deps == nil {
		c.deps = make(map[depKey]struct{})
	}
	c.deps[k] = struct{}{}

	subs := e.deps[k]
	if subs == nil {
		subs = make(map[*Computation]struct{})
		e.deps[k] = subs
	}
	subs[c] = struct{}{}
}

// Trigger marks every computation that read owner.key as dirty. The
// computation currently running is skipped.
func (e *Engine) Trigger(owner any, key string) {
	subs := e.deps[depKey{owner, key}]
	for c := range subs {
		if c == e.running {
			continue
		}
		e.markDirty(c)
	}
}

// Dispose stops c from re-running and drops its dependencies.
func (e *Engine) Dispose(c *Computation) {
	if c == nil || c.disposed {
		return
	}
	c.disposed = true
	e.untrack(c)
	delete(e.queued, c)
}

// Flush runs all dirty computations now, in the order they became dirty.
func (e *Engine) Flush() {
	defer func() { e.pending = false }()
	for len(e.dirty) > 0 {
		batch := e.dirty
		e.dirty = nil
		for _, c := range batch {
			if _, ok := e.queued[c]; !ok {
				continue
			}
			delete(e.queued, c)
			if !c.disposed {
				e.run(c)
			}
		}
	}
}

func (e *Engine) markDirty(c *Computation) {
	if c.disposed {
		return
	}
	if _, ok := e.queued[c]; ok {
		return
	}
	e.queued[c] = struct{}{}
	e.dirty = append(e.dirty, c)

	if !e.pending {
		e.pending = true
		e.schedule(e.Flush)
	}
}

func (e *Engine) run(c *Computation) {
	e.untrack(c)

	prev := e.running
	e.running = c
	defer func() { e.running = prev }()

	c.runs++
	if e.OnRun != nil {
		e.OnRun(c)
	}
	c.fn()
}

func (e *Engine) untrack(c *Computation) {
	for k := range c.deps {
		if subs := e.deps[k]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(e.deps, k)
			}
		}
	}
	c.deps = nil
}
