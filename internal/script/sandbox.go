package script

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"

	"quote-runtime/internal/marketdata"
	"quote-runtime/internal/reactive"
)

// scopeVar names the dynamic object every evaluation runs under.
const scopeVar = "__scope__"

// globalBindings is scopes[0]: the sandbox global object.
type globalBindings struct {
	c *Context
}

func (g *globalBindings) Lookup(name string) (any, bool) {
	v := g.c.vm.GlobalObject().Get(name)
	if v == nil {
		return nil, false
	}
	return v, true
}

func (g *globalBindings) Store(name string, v any) {
	_ = g.c.vm.GlobalObject().Set(name, g.c.toValue(v))
}

func (g *globalBindings) Remove(name string) bool {
	obj := g.c.vm.GlobalObject()
	if obj.Get(name) == nil {
		return false
	}
	return obj.Delete(name) == nil
}

func (g *globalBindings) Names() []string {
	var names []string
	for _, k := range g.c.vm.GlobalObject().Keys() {
		if k != scopeVar {
			names = append(names, k)
		}
	}
	return names
}

// scopeObject exposes the chain to scripts. Identifier reads and writes in
// evaluated code go through it.
type scopeObject struct {
	c *Context
}

func (s *scopeObject) Get(key string) goja.Value {
	v, ok := s.c.chain.Get(key)
	if !ok {
		return nil
	}
	return s.c.toValue(v)
}

func (s *scopeObject) Set(key string, val goja.Value) bool {
	s.c.chain.Set(key, val)
	return true
}

func (s *scopeObject) Has(key string) bool    { return s.c.chain.Has(key) }
func (s *scopeObject) Delete(key string) bool { s.c.chain.Delete(key); return true }
func (s *scopeObject) Keys() []string         { return s.c.chain.Keys() }

func wrapSource(kind, src string) string {
	switch kind {
	case kindModule:
		return "with (" + scopeVar + ") { " + modulePrefix + src + "\nreturn exports;" + moduleSuffix + " }"
	case kindCall:
		return "with (" + scopeVar + ") { (" + src + "\n) }"
	}
	return "with (" + scopeVar + ") { " + src + "\n}"
}

func compile(kind, src, file string) (*goja.Program, error) {
	prg, err := goja.Compile(file, wrapSource(kind, src), false)
	if err != nil {
		var cse *goja.CompilerSyntaxError
		if errors.As(err, &cse) {
			return nil, &SyntaxError{Position: Position{File: file}, Message: cse.Message}
		}
		return nil, err
	}
	return prg, nil
}

const (
	modulePrefix = "(async function (exports) { "
	moduleSuffix = "\n})"
)

// checkSyntax parses src without the scope wrapper so positions refer to the
// caller's text. A parse error located at the end of the input means more
// input could complete the statement.
func checkSyntax(kind, src, file string) error {
	text := src
	if kind == kindModule {
		text = modulePrefix + src + moduleSuffix
	}
	_, err := parser.ParseFile(nil, file, text, 0)
	if err == nil {
		return nil
	}

	var perr *parser.Error
	var list parser.ErrorList
	switch {
	case errors.As(err, &list) && len(list) > 0:
		perr = list[0]
	case errors.As(err, &perr):
	default:
		return &SyntaxError{Position: Position{File: file}, Message: err.Error()}
	}

	pos := Position{File: file, Line: perr.Position.Line, Column: perr.Position.Column}
	if kind == kindModule && pos.Line == 1 {
		pos.Column = max(pos.Column-len(modulePrefix), 1)
	}
	if atEnd(src, pos.Line, pos.Column) || strings.Contains(perr.Message, "Unexpected end of input") {
		return &IncompleteInputError{Position: pos, Message: perr.Message}
	}
	return &SyntaxError{Position: pos, Message: perr.Message}
}

// atEnd reports whether line:col is at or past the last non-blank character
// of src.
func atEnd(src string, line, col int) bool {
	trimmed := strings.TrimRight(src, " \t\r\n")
	lines := strings.Split(trimmed, "\n")
	last := len(lines)
	switch {
	case line > last:
		return true
	case line < last:
		return false
	}
	return col > len(lines[last-1])
}

// await settles v on the loop. Non-promise values complete immediately.
func (c *Context) await(v goja.Value, done func(goja.Value, error)) {
	p, ok := promiseOf(v)
	if !ok {
		done(v, nil)
		return
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		done(p.Result(), nil)
		return
	case goja.PromiseStateRejected:
		done(nil, c.rejection(p.Result()))
		return
	}

	then, ok := goja.AssertFunction(v.(*goja.Object).Get("then"))
	if !ok {
		done(nil, fmt.Errorf("script: promise has no then"))
		return
	}
	onFulfilled := c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done(call.Argument(0), nil)
		return goja.Undefined()
	})
	onRejected := c.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		done(nil, c.rejection(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := then(v, onFulfilled, onRejected); err != nil {
		done(nil, err)
	}
}

func promiseOf(v goja.Value) (*goja.Promise, bool) {
	if v == nil {
		return nil, false
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	p, ok := obj.Export().(*goja.Promise)
	return p, ok
}

func (c *Context) rejection(reason goja.Value) error {
	if reason == nil {
		return &RejectionError{Message: "undefined"}
	}
	return &RejectionError{Value: reason.Export(), Message: reason.String()}
}

// promise runs fn on its own goroutine and settles the returned promise back
// on the loop.
func (c *Context) promise(fn func() (any, error)) goja.Value {
	p, resolve, reject := c.vm.NewPromise()
	go func() {
		v, err := fn()
		c.loop.Post(func() {
			if err != nil {
				_ = reject(c.vm.NewGoError(err))
				return
			}
			_ = resolve(c.toValue(v))
		})
	}()
	return c.vm.ToValue(p)
}

func (c *Context) throw(err error) {
	panic(c.vm.NewGoError(err))
}

// toValue converts a Go value for the sandbox. Live objects get a single
// wrapper each so identity is stable across reads.
func (c *Context) toValue(v any) goja.Value {
	switch v := v.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return v
	case *marketdata.Quote:
		return c.wrap(v, func() goja.DynamicObject { return c.newQuoteObject(v) })
	case *marketdata.TickBuffer:
		return c.wrap(v, func() goja.DynamicObject {
			return c.newBufferObject(v, func() any { return v.History() })
		})
	case *marketdata.NewsBuffer:
		return c.wrap(v, func() goja.DynamicObject {
			return c.newBufferObject(v, func() any { return v.History() })
		})
	case *reactive.Observable:
		return c.wrap(v, func() goja.DynamicObject { return &observableObject{c: c, o: v} })
	case *reactive.Computation:
		return c.wrap(v, func() goja.DynamicObject { return c.newComputationObject(v) })
	case time.Time:
		return c.date(v)
	case marketdata.RTVolume:
		return c.record(map[string]any{
			"price":       v.Price,
			"size":        v.Size,
			"time":        c.date(v.Time),
			"volume":      v.Volume,
			"vwap":        v.VWAP,
			"marketMaker": v.MarketMaker,
		})
	case marketdata.NewsTick:
		return c.record(map[string]any{
			"id":     v.ID,
			"time":   c.date(v.Time),
			"source": v.Source,
			"text":   v.Text,
		})
	case []marketdata.RTVolume:
		return c.array(len(v), func(i int) any { return v[i] })
	case []marketdata.NewsTick:
		return c.array(len(v), func(i int) any { return v[i] })
	case []any:
		return c.array(len(v), func(i int) any { return v[i] })
	case map[string]any:
		return c.record(v)
	}
	return c.vm.ToValue(v)
}

func (c *Context) wrap(key any, build func() goja.DynamicObject) goja.Value {
	if obj, ok := c.wrappers[key]; ok {
		return obj
	}
	obj := c.vm.NewDynamicObject(build())
	c.wrappers[key] = obj
	return obj
}

func (c *Context) date(t time.Time) goja.Value {
	d, err := c.vm.New(c.vm.Get("Date"), c.vm.ToValue(t.UnixMilli()))
	if err != nil {
		return c.vm.ToValue(t)
	}
	return d
}

func (c *Context) record(fields map[string]any) goja.Value {
	obj := c.vm.NewObject()
	for k, v := range fields {
		_ = obj.Set(k, c.toValue(v))
	}
	return obj
}

func (c *Context) array(n int, at func(int) any) goja.Value {
	items := make([]any, n)
	for i := range items {
		items[i] = c.toValue(at(i))
	}
	return c.vm.NewArray(items...)
}

// export converts a sandbox value back to Go, unwrapping live objects.
func (c *Context) export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch w := v.Export().(type) {
	case *quoteObject:
		return w.q
	case *bufferObject:
		return w.buf
	case *observableObject:
		return w.o
	case *computationObject:
		return w.comp
	default:
		return w
	}
}
