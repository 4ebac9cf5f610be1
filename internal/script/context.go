// Package script is the reactive scripting runtime. A Context owns a
// JavaScript sandbox whose global lookups go through an ordered scope chain,
// binds $-prefixed implicit identifiers through pluggable async resolvers,
// and turns rule scripts into computations that re-run when the live quotes
// they read receive ticks.
//
// The sandbox, the scope chain and the reactive engine are confined to one
// event-loop goroutine. Public methods hand work to that loop and block until
// it is done; they must not be called from script callbacks.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"quote-runtime/internal/logger"
	"quote-runtime/internal/loop"
	"quote-runtime/internal/markethours"
	"quote-runtime/internal/metrics"
	"quote-runtime/internal/notification"
	"quote-runtime/internal/reactive"
	"quote-runtime/internal/rules"
	"quote-runtime/internal/scope"
)

// Resolver produces a value for a bare implicit name ("AAPL" for $AAPL).
// It returns (nil, nil) when it does not know the name.
type Resolver func(ctx context.Context, name string) (any, error)

// Options configures a Context. Every field is optional.
type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	BaseDir   string            // relative import/include/read paths resolve here
	Symbols   map[string]string // well-known alias -> broker description
	Constants map[string]any    // extra constants layer entries
	Calendar  *markethours.Calendar
	Notifier  notification.Notifier
	Resolvers []Resolver
}

// Context is one scripting session.
type Context struct {
	loop   *loop.Loop
	cancel context.CancelFunc

	vm      *goja.Runtime
	engine  *reactive.Engine
	chain   *scope.Chain
	global  *globalBindings
	scopeJS *goja.Object

	wrappers map[any]*goja.Object
	closers  []func()

	// running is the exec whose synchronous JavaScript is on the loop.
	runMu   sync.Mutex
	running *execRun

	mu        sync.RWMutex
	resolvers []Resolver
	flight    singleflight.Group

	cron     *cron.Cron
	calendar *markethours.Calendar
	notifier notification.Notifier
	symbols  map[string]string
	baseDir  string

	logger  *slog.Logger
	metrics *metrics.Metrics

	closeOnce sync.Once
}

// New creates a Context and starts its event loop.
func New(opts Options) *Context {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cal := opts.Calendar
	if cal == nil {
		cal = markethours.NYSE()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notification.NewLogNotifier(log)
	}

	c := &Context{
		loop:      loop.New(),
		vm:        goja.New(),
		wrappers:  make(map[any]*goja.Object),
		resolvers: slices.Clone(opts.Resolvers),
		cron:      cron.New(cron.WithParser(cronParser)),
		calendar:  cal,
		notifier:  notifier,
		symbols:   opts.Symbols,
		baseDir:   opts.BaseDir,
		logger:    log.With(slog.String("component", "script")),
		metrics:   opts.Metrics,
	}
	c.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	c.engine = reactive.New(func(fn func()) { c.loop.Post(fn) })
	if c.metrics != nil {
		c.engine.OnRun = func(*reactive.Computation) { c.metrics.ComputationRuns.Inc() }
		c.loop.OnDepth = func(n int) { c.metrics.LoopQueueDepth.Set(float64(n)) }
	}

	c.buildScopes(opts.Constants)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop.Run(ctx)
	c.cron.Start()
	return c
}

// Close stops the event loop, scheduled jobs and quote listeners. Pending
// calls return ErrClosed.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		<-c.cron.Stop().Done()
		_ = c.loop.Do(context.Background(), func() error {
			for _, fn := range c.closers {
				fn()
			}
			c.closers = nil
			return nil
		})
		c.cancel()
		<-c.loop.Done()
	})
	return nil
}

// Done is closed once the Context's loop has stopped.
func (c *Context) Done() <-chan struct{} { return c.loop.Done() }

// AddResolver appends r to the resolver list.
func (c *Context) AddResolver(r Resolver) {
	c.mu.Lock()
	c.resolvers = append(c.resolvers, r)
	c.mu.Unlock()
}

func (c *Context) hasResolvers() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.resolvers) > 0
}

// Resolve asks each resolver in order for name and returns the first non-nil
// value. It returns (nil, nil) when no resolver knows the name.
func (c *Context) Resolve(ctx context.Context, name string) (any, error) {
	c.mu.RLock()
	resolvers := slices.Clone(c.resolvers)
	c.mu.RUnlock()

	for _, r := range resolvers {
		if r == nil {
			return nil, ErrResolverNotCallable
		}
		v, err := r(ctx, name)
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// ReifyImplicitIdentifiers binds every id in ids that is not already bound.
// Each id is resolved by its bare name (without the sigil) and bound under
// the full id in scopes[0]. Ids resolve concurrently; a failing id does not
// stop the others. The returned error joins one *ResolutionError per failed
// id.
func (c *Context) ReifyImplicitIdentifiers(ctx context.Context, ids []string) error {
	var unbound []string
	err := c.loop.Do(ctx, func() error {
		for _, id := range ids {
			if !c.chain.Has(id) {
				unbound = append(unbound, id)
			}
		}
		return nil
	})
	if err != nil {
		return c.loopErr(err)
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range unbound {
		id := id
		g.Go(func() error {
			if err := c.reify(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Context) reify(ctx context.Context, id string) error {
	_, err, _ := c.flight.Do(id, func() (any, error) {
		start := time.Now()
		v, err := c.Resolve(ctx, strings.TrimPrefix(id, "$"))
		c.metrics.ObserveResolve(start, v != nil, err)
		if err != nil {
			return nil, &ResolutionError{Name: id, Err: err}
		}
		if v == nil {
			return nil, &ResolutionError{Name: id, Err: ErrUnresolved}
		}

		c.logger.Debug("implicit identifier bound", "id", id, "type", fmt.Sprintf("%T", v))
		return nil, c.loopErr(c.loop.Do(ctx, func() error {
			if !c.chain.Has(id) {
				c.chain.Set(id, v)
			}
			return nil
		}))
	})
	return err
}

// ReifyImplicitIdentifiersInSrc scans src for implicit identifiers and
// reifies them.
func (c *Context) ReifyImplicitIdentifiersInSrc(ctx context.Context, src string) error {
	ids := ScanImplicitIdentifiers(src)
	if len(ids) == 0 {
		return nil
	}
	return c.ReifyImplicitIdentifiers(ctx, ids)
}

// RunInContext evaluates src against the scope chain and returns its
// completion value, awaiting it if it is a promise. Rule scripts (by file
// name or marker) are translated first. Input that ends mid-statement fails
// with *IncompleteInputError.
func (c *Context) RunInContext(ctx context.Context, src, file string) (any, error) {
	start := time.Now()
	v, err := c.evaluate(ctx, kindRun, src, file)
	c.metrics.ObserveScript(kindRun, start, err)
	return v, err
}

// Global evaluates src like RunInContext and discards the result.
func (c *Context) Global(ctx context.Context, src, file string) error {
	start := time.Now()
	_, err := c.evaluate(ctx, kindGlobal, src, file)
	c.metrics.ObserveScript(kindGlobal, start, err)
	return err
}

// Module evaluates src as the body of an async function receiving an
// exports object, awaits it, and copies every exported key into scopes[0].
func (c *Context) Module(ctx context.Context, src, file string) error {
	start := time.Now()
	_, err := c.evaluate(ctx, kindModule, src, file)
	c.metrics.ObserveScript(kindModule, start, err)
	return err
}

// Call evaluates fnSrc, a function expression, invokes it without
// arguments and returns its awaited result.
func (c *Context) Call(ctx context.Context, fnSrc string) (any, error) {
	start := time.Now()
	v, err := c.evaluate(ctx, kindCall, fnSrc, "")
	c.metrics.ObserveScript(kindCall, start, err)
	return v, err
}

const (
	kindRun    = "run"
	kindGlobal = "global"
	kindModule = "module"
	kindCall   = "call"
)

func (c *Context) evaluate(ctx context.Context, kind, src, file string) (any, error) {
	ctx = logger.WithRunID(ctx, logger.GenerateRunID(runSource(file, kind), time.Now()))

	var err error
	if kind != kindCall {
		if err = checkSyntax(kind, src, file); err != nil {
			return nil, err
		}
	}
	if kind == kindRun && rules.IsRuleScript(file, src) {
		if src, err = c.translate(src); err != nil {
			return nil, err
		}
	}
	if c.hasResolvers() {
		if err := c.ReifyImplicitIdentifiersInSrc(ctx, src); err != nil {
			return nil, err
		}
	}

	prg, err := compile(kind, src, file)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("evaluating script", append(logger.LogWithRun(ctx), "kind", kind, "file", file)...)
	v, err := c.exec(ctx, func(done func(goja.Value, error)) {
		v, err := c.vm.RunProgram(prg)
		if err != nil {
			done(nil, err)
			return
		}
		switch kind {
		case kindModule:
			c.runModule(v, done)
		case kindCall:
			c.invoke(v, done)
		default:
			c.await(v, done)
		}
	})
	if err != nil {
		c.logger.Debug("script failed", append(logger.LogWithRun(ctx), "kind", kind, "file", file, "error", err)...)
	}
	if kind != kindRun && kind != kindCall {
		return nil, err
	}
	return v, err
}

func runSource(file, kind string) string {
	if file == "" {
		return kind
	}
	return filepath.Base(file)
}

func (c *Context) runModule(fn goja.Value, done func(goja.Value, error)) {
	call, ok := goja.AssertFunction(fn)
	if !ok {
		done(nil, fmt.Errorf("script: module wrapper did not produce a function"))
		return
	}
	exports := c.vm.NewObject()
	v, err := call(goja.Undefined(), exports)
	if err != nil {
		done(nil, err)
		return
	}
	c.await(v, func(result goja.Value, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		if obj, ok := result.(*goja.Object); ok {
			for _, k := range obj.Keys() {
				c.global.Store(k, obj.Get(k))
			}
		}
		done(goja.Undefined(), nil)
	})
}

func (c *Context) invoke(fn goja.Value, done func(goja.Value, error)) {
	call, ok := goja.AssertFunction(fn)
	if !ok {
		done(nil, fmt.Errorf("script: call source is not a function"))
		return
	}
	v, err := call(goja.Undefined())
	if err != nil {
		done(nil, err)
		return
	}
	c.await(v, done)
}

func (c *Context) translate(src string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("script: translate: panic: %v", r)
		}
		if err != nil && c.metrics != nil {
			c.metrics.TranslateFault.Inc()
		}
	}()
	return rules.Translate(src)
}

// Get returns the exported value bound to name.
func (c *Context) Get(ctx context.Context, name string) (any, bool, error) {
	var (
		out any
		ok  bool
	)
	err := c.loop.Do(ctx, func() error {
		var v any
		if v, ok = c.chain.Get(name); ok {
			out = c.export(c.toValue(v))
		}
		return nil
	})
	return out, ok, c.loopErr(err)
}

// Set binds name through the scope chain: the layer that already holds name
// is updated, otherwise it lands in scopes[0].
func (c *Context) Set(ctx context.Context, name string, v any) error {
	return c.loopErr(c.loop.Do(ctx, func() error {
		c.chain.Set(name, v)
		return nil
	}))
}

// Delete removes name from the first layer holding it.
func (c *Context) Delete(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := c.loop.Do(ctx, func() error {
		ok = c.chain.Delete(name)
		return nil
	})
	return ok, c.loopErr(err)
}

// Keys lists every bound name across all layers.
func (c *Context) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := c.loop.Do(ctx, func() error {
		keys = c.chain.Keys()
		return nil
	})
	return keys, c.loopErr(err)
}

// Read loads a script file, translating it when it follows the rule-script
// convention.
func (c *Context) Read(path string) (string, error) {
	path = c.path(path)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("script: read %s: %w", path, err)
	}
	src := string(b)
	if rules.IsRuleScript(path, src) {
		return c.translate(src)
	}
	return src, nil
}

// Import reads path and evaluates it as a module.
func (c *Context) Import(ctx context.Context, path string) error {
	src, err := c.Read(path)
	if err != nil {
		return err
	}
	return c.Module(ctx, src, c.path(path))
}

// Include reads path and evaluates it in the global scope.
func (c *Context) Include(ctx context.Context, path string) error {
	src, err := c.Read(path)
	if err != nil {
		return err
	}
	return c.Global(ctx, src, c.path(path))
}

func (c *Context) path(p string) string {
	if filepath.IsAbs(p) || c.baseDir == "" {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

type execRun struct {
	ctx context.Context
}

// exec runs fn on the loop and waits until fn calls done, which may happen
// in a later loop task when fn awaits a promise. A cancelled ctx interrupts
// the runtime only while fn itself is executing; continuations that run
// after an await are left to finish on their own.
func (c *Context) exec(ctx context.Context, fn func(done func(goja.Value, error))) (any, error) {
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	run := &execRun{ctx: ctx}

	ok := c.loop.Post(func() {
		var once sync.Once
		finish := func(v goja.Value, err error) {
			once.Do(func() {
				var out any
				if err == nil {
					out = c.export(v)
				}
				ch <- result{out, err}
			})
		}
		c.setRunning(run)
		defer func() {
			r := recover()
			c.setRunning(nil)
			if r != nil {
				finish(nil, fmt.Errorf("script: panic: %v", r))
			}
		}()
		if err := ctx.Err(); err != nil {
			finish(nil, err)
			return
		}
		fn(finish)
	})
	if !ok {
		return nil, ErrClosed
	}

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		c.interrupt(run, ctx.Err())
		return nil, ctx.Err()
	case <-c.loop.Done():
		return nil, ErrClosed
	}
}

// setRunning marks run as executing and resets any pending interrupt.
// It is called on the loop goroutine.
func (c *Context) setRunning(run *execRun) {
	c.runMu.Lock()
	c.vm.ClearInterrupt()
	c.running = run
	c.runMu.Unlock()
}

func (c *Context) interrupt(run *execRun, err error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running == run {
		c.vm.Interrupt(err)
	}
}

func (c *Context) loopErr(err error) error {
	if errors.Is(err, loop.ErrStopped) {
		return ErrClosed
	}
	return err
}
