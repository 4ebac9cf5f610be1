package script

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dop251/goja"

	"quote-runtime/internal/marketdata"
	"quote-runtime/internal/reactive"
)

// anyField is the dependency key recorded when a script enumerates a quote.
const anyField = "*"

type methods map[string]goja.Value

func (c *Context) method(fn func(call goja.FunctionCall) goja.Value) goja.Value {
	return c.vm.ToValue(fn)
}

// quoteObject is the script view of a live quote. Field reads are tracked by
// the reactive engine and every applied tick triggers the field it changed.
type quoteObject struct {
	c       *Context
	q       *marketdata.Quote
	methods methods
}

func (c *Context) newQuoteObject(q *marketdata.Quote) *quoteObject {
	o := &quoteObject{c: c, q: q}
	self := func() goja.Value { return c.wrappers[q] }
	builder := func(fn func() *marketdata.Quote) goja.Value {
		return c.method(func(goja.FunctionCall) goja.Value {
			fn()
			return self()
		})
	}

	o.methods = methods{
		"ticks":        builder(q.Ticks),
		"stats":        builder(q.Stats),
		"fundamentals": builder(q.Fundamentals),
		"volatility":   builder(q.Volatility),
		"options":      builder(q.Options),
		"futures":      builder(q.Futures),
		"short":        builder(q.Short),
		"news":         builder(q.News),
		"stream":       builder(q.Stream),
		"groups": c.method(func(call goja.FunctionCall) goja.Value {
			names := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				names[i] = a.String()
			}
			if err := q.RequestGroups(names...); err != nil {
				c.throw(err)
			}
			return self()
		}),
		"fieldTypes": c.method(func(call goja.FunctionCall) goja.Value {
			ids := make([]int, len(call.Arguments))
			for i, a := range call.Arguments {
				ids[i] = int(a.ToInteger())
			}
			q.AddFieldTypes(ids...)
			return self()
		}),
		"snapshot": c.method(func(goja.FunctionCall) goja.Value {
			p, resolve, reject := c.vm.NewPromise()
			q.Snapshot(func(state map[string]any, err error) {
				c.loop.Post(func() {
					if err != nil {
						_ = reject(c.vm.NewGoError(err))
						return
					}
					_ = resolve(c.toValue(state))
				})
			})
			return c.vm.ToValue(p)
		}),
		"cancel": c.method(func(goja.FunctionCall) goja.Value {
			q.Cancel()
			return goja.Undefined()
		}),
		"streaming": c.method(func(goja.FunctionCall) goja.Value {
			return c.vm.ToValue(q.Streaming())
		}),
		"fields": c.method(func(goja.FunctionCall) goja.Value {
			c.engine.Track(q, anyField)
			return c.toValue(q.Fields())
		}),
		"tickBuffer": c.method(func(call goja.FunctionCall) goja.Value {
			buf := q.TickBuffer(durationArg(call, 0))
			c.closers = append(c.closers, buf.Close)
			return c.toValue(buf)
		}),
		"newsBuffer": c.method(func(call goja.FunctionCall) goja.Value {
			buf := q.NewsBuffer(durationArg(call, 0))
			c.closers = append(c.closers, buf.Close)
			return c.toValue(buf)
		}),
		"on": c.method(func(call goja.FunctionCall) goja.Value {
			return c.subscribeQuote(q, call.Argument(0).String(), call.Argument(1))
		}),
		"contract": c.vm.ToValue(q.Contract()),
		"symbol":   c.vm.ToValue(q.Contract().Symbol),
	}

	remove := q.OnUpdate(func(u marketdata.Update) {
		c.loop.Post(func() {
			c.engine.Trigger(q, u.Key)
			c.engine.Trigger(q, anyField)
		})
	})
	c.closers = append(c.closers, remove)
	return o
}

func (o *quoteObject) Get(key string) goja.Value {
	if m, ok := o.methods[key]; ok {
		return m
	}
	o.c.engine.Track(o.q, key)
	v, ok := o.q.Get(key)
	if !ok {
		return goja.Undefined()
	}
	return o.c.toValue(v)
}

func (o *quoteObject) Set(string, goja.Value) bool { return false }

func (o *quoteObject) Has(key string) bool {
	if _, ok := o.methods[key]; ok {
		return true
	}
	_, ok := o.q.Get(key)
	return ok
}

func (o *quoteObject) Delete(string) bool { return false }

func (o *quoteObject) Keys() []string {
	o.c.engine.Track(o.q, anyField)
	fields := o.q.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// subscribeQuote registers a script callback for update, error or load
// events and returns the unsubscribe function.
func (c *Context) subscribeQuote(q *marketdata.Quote, event string, fn goja.Value) goja.Value {
	call, ok := goja.AssertFunction(fn)
	if !ok {
		panic(c.vm.NewTypeError("on: listener is not a function"))
	}
	invoke := func(args ...func() goja.Value) {
		c.loop.Post(func() {
			vals := make([]goja.Value, len(args))
			for i, a := range args {
				vals[i] = a()
			}
			if _, err := call(goja.Undefined(), vals...); err != nil {
				c.logger.Error("quote listener failed", "symbol", q.Contract().Symbol, "event", event, "error", err)
			}
		})
	}

	var remove func()
	switch strings.ToLower(event) {
	case "update":
		remove = q.OnUpdate(func(u marketdata.Update) {
			invoke(
				func() goja.Value { return c.vm.ToValue(u.Key) },
				func() goja.Value { return c.toValue(u.NewValue) },
				func() goja.Value { return c.toValue(u.OldValue) },
			)
		})
	case "error":
		remove = q.OnError(func(err error) {
			invoke(func() goja.Value { return c.vm.NewGoError(err) })
		})
	case "load":
		remove = q.OnLoad(func() { invoke() })
	default:
		panic(c.vm.NewTypeError(fmt.Sprintf("on: unknown event %q", event)))
	}
	c.closers = append(c.closers, remove)
	return c.method(func(goja.FunctionCall) goja.Value {
		remove()
		return goja.Undefined()
	})
}

func durationArg(call goja.FunctionCall, i int) time.Duration {
	a := call.Argument(i)
	if goja.IsUndefined(a) || goja.IsNull(a) {
		return 0
	}
	return time.Duration(a.ToInteger()) * time.Millisecond
}

// historyView is the part of a history buffer scripts can see.
type historyView interface {
	Quote() *marketdata.Quote
	Key() string
	Len() int
	Duration() time.Duration
	Prune() int
	OnUpdate(func(marketdata.Update)) func()
	OnEvict(func(int)) func()
	Close()
}

const (
	historyKey = "history"
	lengthKey  = "length"
)

type bufferObject struct {
	c       *Context
	buf     historyView
	entries func() any
	methods methods
}

func (c *Context) newBufferObject(buf historyView, entries func() any) *bufferObject {
	o := &bufferObject{c: c, buf: buf, entries: entries}
	o.methods = methods{
		"key":      c.vm.ToValue(buf.Key()),
		"duration": c.vm.ToValue(buf.Duration().Milliseconds()),
		"prune": c.method(func(goja.FunctionCall) goja.Value {
			return c.vm.ToValue(buf.Prune())
		}),
		"close": c.method(func(goja.FunctionCall) goja.Value {
			buf.Close()
			return goja.Undefined()
		}),
		"on": c.method(func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(1))
			if !ok || call.Argument(0).String() != "update" {
				panic(c.vm.NewTypeError("on: expected (\"update\", listener)"))
			}
			remove := buf.OnUpdate(func(u marketdata.Update) {
				c.loop.Post(func() {
					if _, err := fn(goja.Undefined(), c.toValue(u.NewValue)); err != nil {
						c.logger.Error("buffer listener failed", "key", buf.Key(), "error", err)
					}
				})
			})
			c.closers = append(c.closers, remove)
			return c.method(func(goja.FunctionCall) goja.Value {
				remove()
				return goja.Undefined()
			})
		}),
	}

	changed := func() {
		c.loop.Post(func() {
			c.engine.Trigger(buf, historyKey)
			c.engine.Trigger(buf, lengthKey)
		})
	}
	c.closers = append(c.closers,
		buf.OnUpdate(func(marketdata.Update) { changed() }),
		buf.OnEvict(func(int) { changed() }),
	)
	return o
}

func (o *bufferObject) Get(key string) goja.Value {
	switch key {
	case historyKey:
		o.c.engine.Track(o.buf, historyKey)
		return o.c.toValue(o.entries())
	case lengthKey:
		o.c.engine.Track(o.buf, lengthKey)
		return o.c.vm.ToValue(o.buf.Len())
	case "quote":
		return o.c.toValue(o.buf.Quote())
	}
	if m, ok := o.methods[key]; ok {
		return m
	}
	return nil
}

func (o *bufferObject) Set(string, goja.Value) bool { return false }

func (o *bufferObject) Has(key string) bool {
	if key == historyKey || key == lengthKey || key == "quote" {
		return true
	}
	_, ok := o.methods[key]
	return ok
}

func (o *bufferObject) Delete(string) bool { return false }
func (o *bufferObject) Keys() []string     { return []string{historyKey, lengthKey, "key", "duration"} }

// observableObject is a plain reactive record created with observe().
type observableObject struct {
	c *Context
	o *reactive.Observable
}

func (w *observableObject) Get(key string) goja.Value {
	v, ok := w.o.Get(key)
	if !ok {
		return nil
	}
	return w.c.toValue(v)
}

func (w *observableObject) Set(key string, val goja.Value) bool {
	w.o.Set(key, val)
	return true
}

func (w *observableObject) Has(key string) bool    { return w.o.Has(key) }
func (w *observableObject) Delete(key string) bool { w.o.Delete(key); return true }
func (w *observableObject) Keys() []string         { return w.o.Keys() }

type computationObject struct {
	c       *Context
	comp    *reactive.Computation
	dispose goja.Value
}

func (c *Context) newComputationObject(comp *reactive.Computation) *computationObject {
	return &computationObject{
		c:    c,
		comp: comp,
		dispose: c.method(func(goja.FunctionCall) goja.Value {
			comp.Dispose()
			return goja.Undefined()
		}),
	}
}

func (w *computationObject) Get(key string) goja.Value {
	switch key {
	case "dispose":
		return w.dispose
	case "runs":
		return w.c.vm.ToValue(w.comp.Runs())
	case "disposed":
		return w.c.vm.ToValue(w.comp.Disposed())
	}
	return nil
}

func (w *computationObject) Set(string, goja.Value) bool { return false }

func (w *computationObject) Has(key string) bool {
	return key == "dispose" || key == "runs" || key == "disposed"
}

func (w *computationObject) Delete(string) bool { return false }
func (w *computationObject) Keys() []string     { return []string{"runs", "disposed"} }
