package script

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/montanaflynn/stats"
	"github.com/robfig/cron/v3"

	"quote-runtime/internal/indicator"
	"quote-runtime/internal/marketdata"
	"quote-runtime/internal/notification"
	"quote-runtime/internal/scope"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const notifyTimeout = 10 * time.Second

// buildScopes assembles the chain: the sandbox global first, then the
// constants, math, utility and file layers.
func (c *Context) buildScopes(extra map[string]any) {
	c.global = &globalBindings{c: c}
	c.chain = scope.NewChain(
		c.global,
		c.constantsLayer(extra),
		c.mathLayer(),
		c.utilityLayer(),
		c.filesLayer(),
	)

	obj := c.vm.NewDynamicObject(&scopeObject{c: c})
	_ = obj.SetPrototype(nil)
	_ = c.vm.GlobalObject().DefineDataProperty(scopeVar, obj, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
}

func (c *Context) constantsLayer(extra map[string]any) scope.Map {
	ticks := map[string]int{
		"OPTION_VOLUME":             marketdata.TickOptionVolume,
		"OPTION_OPEN_INTEREST":      marketdata.TickOptionOpenInterest,
		"HISTORICAL_VOLATILITY":     marketdata.TickHistoricalVolatility,
		"OPTION_IMPLIED_VOLATILITY": marketdata.TickOptionImpliedVolatility,
		"PRICE_RANGE":               marketdata.TickPriceRange,
		"RT_VOLUME":                 marketdata.TickRealTimeVolume,
		"SHORTABLE":                 marketdata.TickShortable,
		"FUNDAMENTAL_RATIOS":        marketdata.TickFundamentalRatios,
		"NEWS":                      marketdata.TickNews,
		"TRADE_COUNT":               marketdata.TickTradeCount,
		"TRADE_RATE":                marketdata.TickTradeRate,
		"VOLUME_RATE":               marketdata.TickVolumeRate,
		"FUTURES_OPEN_INTEREST":     marketdata.TickFuturesOpenInterest,
	}
	layer := scope.Map{
		"TICKS":   c.vm.ToValue(ticks),
		"GROUPS":  c.vm.ToValue(marketdata.GroupTickIDs()),
		"SYMBOLS": c.vm.ToValue(maps.Clone(c.symbols)),
	}
	for k, v := range extra {
		layer[k] = c.toValue(v)
	}
	return layer
}

func (c *Context) floats(v goja.Value) []float64 {
	var xs []float64
	if err := c.vm.ExportTo(v, &xs); err != nil {
		panic(c.vm.NewTypeError("expected an array of numbers"))
	}
	return xs
}

func (c *Context) mathLayer() scope.Map {
	unary := func(fn func(stats.Float64Data) (float64, error)) goja.Value {
		return c.method(func(call goja.FunctionCall) goja.Value {
			v, err := fn(c.floats(call.Argument(0)))
			if err != nil {
				return c.vm.ToValue(math.NaN())
			}
			return c.vm.ToValue(v)
		})
	}
	series := func(kind string) goja.Value {
		return c.method(func(call goja.FunctionCall) goja.Value {
			out, err := indicator.Series(kind, int(call.Argument(1).ToInteger()), c.floats(call.Argument(0)))
			if err != nil {
				c.throw(err)
			}
			return c.vm.ToValue(out)
		})
	}

	return scope.Map{
		"mean":     unary(stats.Mean),
		"median":   unary(stats.Median),
		"stddev":   unary(stats.StandardDeviation),
		"variance": unary(stats.Variance),
		"min":      unary(stats.Min),
		"max":      unary(stats.Max),
		"sum":      unary(stats.Sum),
		"percentile": c.method(func(call goja.FunctionCall) goja.Value {
			v, err := stats.Percentile(c.floats(call.Argument(0)), call.Argument(1).ToFloat())
			if err != nil {
				return c.vm.ToValue(math.NaN())
			}
			return c.vm.ToValue(v)
		}),
		"correlation": c.method(func(call goja.FunctionCall) goja.Value {
			v, err := stats.Correlation(c.floats(call.Argument(0)), c.floats(call.Argument(1)))
			if err != nil {
				return c.vm.ToValue(math.NaN())
			}
			return c.vm.ToValue(v)
		}),
		"sma":       series("sma"),
		"ema":       series("ema"),
		"smma":      series("smma"),
		"rsi":       series("rsi"),
		"indicator": c.method(c.jsIndicator),
		"lastValue": c.method(func(call goja.FunctionCall) goja.Value {
			v, err := indicator.Last(call.Argument(0).String(), int(call.Argument(2).ToInteger()), c.floats(call.Argument(1)))
			if err != nil {
				return c.vm.ToValue(math.NaN())
			}
			return c.vm.ToValue(v)
		}),
	}
}

// jsIndicator returns a streaming indicator object a rule can keep across
// re-runs.
func (c *Context) jsIndicator(call goja.FunctionCall) goja.Value {
	ind, err := indicator.New(call.Argument(0).String(), int(call.Argument(1).ToInteger()))
	if err != nil {
		c.throw(err)
	}
	obj := c.vm.NewObject()
	_ = obj.Set("name", ind.Name())
	_ = obj.Set("update", func(x float64) float64 {
		ind.Update(x)
		return ind.Value()
	})
	_ = obj.Set("peek", ind.Peek)
	_ = obj.Set("value", ind.Value)
	_ = obj.Set("ready", ind.Ready)
	return obj
}

func (c *Context) utilityLayer() scope.Map {
	console := c.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, c.logFunc(level))
	}

	return scope.Map{
		"console": console,
		"log":     c.logFunc("log"),
		"time": c.method(func(goja.FunctionCall) goja.Value {
			return c.date(time.Now())
		}),
		"sleep": c.method(func(call goja.FunctionCall) goja.Value {
			p, resolve, _ := c.vm.NewPromise()
			c.loop.AfterFunc(durationArg(call, 0), func() { _ = resolve(goja.Undefined()) })
			return c.vm.ToValue(p)
		}),
		"at":       c.method(c.jsAt),
		"cancelAt": c.method(c.jsCancelAt),
		"marketOpen": c.method(func(goja.FunctionCall) goja.Value {
			return c.vm.ToValue(c.calendar.IsOpen(time.Now()))
		}),
		"marketStatus": c.method(func(goja.FunctionCall) goja.Value {
			return c.vm.ToValue(c.calendar.Status(time.Now()))
		}),
		"notify":   c.method(c.jsNotify),
		"computed": c.method(c.jsComputed),
		"observe":  c.method(c.jsObserve),
		"dispose":  c.method(c.jsDispose),
	}
}

func (c *Context) logFunc(level string) goja.Value {
	return c.method(func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		msg := strings.Join(parts, " ")
		switch level {
		case "warn":
			c.logger.Warn(msg, "source", "script")
		case "error":
			c.logger.Error(msg, "source", "script")
		case "debug":
			c.logger.Debug(msg, "source", "script")
		default:
			c.logger.Info(msg, "source", "script")
		}
		return goja.Undefined()
	})
}

// jsComputed registers a script function as a computation. The function
// runs immediately; rejections of its promise are logged.
func (c *Context) jsComputed(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(c.vm.NewTypeError("computed: argument is not a function"))
	}
	comp := c.engine.Computed(func() {
		v, err := fn(goja.Undefined())
		if err != nil {
			c.logger.Error("computation failed", "error", err)
			return
		}
		c.await(v, func(_ goja.Value, err error) {
			if err != nil {
				c.logger.Error("computation failed", "error", err)
			}
		})
	})
	return c.toValue(comp)
}

func (c *Context) jsObserve(call goja.FunctionCall) goja.Value {
	init := map[string]any{}
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		obj := arg.ToObject(c.vm)
		for _, k := range obj.Keys() {
			init[k] = obj.Get(k)
		}
	}
	return c.toValue(c.engine.Observe(init))
}

func (c *Context) jsDispose(call goja.FunctionCall) goja.Value {
	switch h := c.export(call.Argument(0)).(type) {
	case interface{ Dispose() }:
		h.Dispose()
	case *marketdata.Quote:
		h.Cancel()
	case historyView:
		h.Close()
	default:
		panic(c.vm.NewTypeError(fmt.Sprintf("dispose: cannot dispose %T", h)))
	}
	return goja.Undefined()
}

func (c *Context) jsAt(call goja.FunctionCall) goja.Value {
	spec := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(c.vm.NewTypeError("at: listener is not a function"))
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		c.throw(fmt.Errorf("at %q: %w", spec, err))
	}
	id := c.cron.Schedule(sched, cron.FuncJob(func() {
		c.loop.Post(func() {
			if _, err := fn(goja.Undefined()); err != nil {
				c.logger.Error("scheduled job failed", "spec", spec, "error", err)
			}
		})
	}))
	c.logger.Debug("job scheduled", "spec", spec, "id", int(id))
	return c.vm.ToValue(int(id))
}

func (c *Context) jsCancelAt(call goja.FunctionCall) goja.Value {
	c.cron.Remove(cron.EntryID(call.Argument(0).ToInteger()))
	return goja.Undefined()
}

func (c *Context) jsNotify(call goja.FunctionCall) goja.Value {
	alert := notification.Alert{
		Title:   call.Argument(0).String(),
		Message: call.Argument(1).String(),
		Level:   notification.AlertInfo,
		Source:  "script",
	}
	if lvl := call.Argument(2); !goja.IsUndefined(lvl) {
		alert.Level = notification.ParseLevel(lvl.String())
	}
	return c.promise(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		return nil, c.notifier.Send(ctx, alert)
	})
}

func (c *Context) filesLayer() scope.Map {
	return scope.Map{
		"importModule": c.method(func(call goja.FunctionCall) goja.Value {
			path := call.Argument(0).String()
			return c.promise(func() (any, error) {
				return nil, c.Import(context.Background(), path)
			})
		}),
		"include": c.method(func(call goja.FunctionCall) goja.Value {
			path := call.Argument(0).String()
			return c.promise(func() (any, error) {
				return nil, c.Include(context.Background(), path)
			})
		}),
		"read": c.method(func(call goja.FunctionCall) goja.Value {
			src, err := c.Read(call.Argument(0).String())
			if err != nil {
				c.throw(err)
			}
			return c.vm.ToValue(src)
		}),
		"rules": c.method(func(call goja.FunctionCall) goja.Value {
			out, err := c.translate(call.Argument(0).String())
			if err != nil {
				c.throw(err)
			}
			return c.vm.ToValue(out)
		}),
	}
}
