// Package marketdata implements the live per-symbol quote: a streaming data
// object built from a sequence of named tick updates, with one-shot snapshot
// and persistent stream modes and age-bounded histories of trade prints and
// news headlines.
package marketdata

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"quote-runtime/internal/broker"
)

// Field-group names accepted by RequestGroups.
var groupTicks = map[string][]int{
	"ticks":        {TickRealTimeVolume},
	"stats":        {TickTradeCount, TickTradeRate, TickVolumeRate, TickPriceRange},
	"fundamentals": {TickFundamentalRatios},
	"volatility":   {TickHistoricalVolatility, TickOptionImpliedVolatility},
	"options":      {TickOptionVolume, TickOptionOpenInterest},
	"futures":      {TickFuturesOpenInterest},
	"short":        {TickShortable},
	"news":         {TickNews},
}

// GroupNames lists the field groups in a stable order.
func GroupNames() []string {
	names := make([]string, 0, len(groupTicks))
	for name := range groupTicks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GroupTickIDs returns a copy of the field-group to generic tick id table.
func GroupTickIDs() map[string][]int {
	out := make(map[string][]int, len(groupTicks))
	for name, ids := range groupTicks {
		out[name] = slices.Clone(ids)
	}
	return out
}

// Quote is a live market-data object for one contract. Fields are mutated
// only by the quote's own tick handling; consumers read them through Get and
// Fields and observe changes through OnUpdate.
//
// Field-group builders must be called before Snapshot or Stream; they do not
// affect an already-open subscription.
type Quote struct {
	service  broker.Service
	contract broker.Contract

	mu         sync.RWMutex
	fieldTypes []int
	fields     map[string]any
	req        broker.Request

	updates listenerSet[Update]
	errs    listenerSet[error]
	loads   listenerSet[struct{}]
	streams listenerSet[bool]
}

// NewQuote creates an idle quote for contract.
func NewQuote(service broker.Service, contract broker.Contract) *Quote {
	return &Quote{
		service:  service,
		contract: contract,
		fields:   make(map[string]any),
	}
}

// Contract returns the quote's contract.
func (q *Quote) Contract() broker.Contract { return q.contract }

// AddFieldTypes appends generic tick ids to the request.
func (q *Quote) AddFieldTypes(ids ...int) *Quote {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if !slices.Contains(q.fieldTypes, id) {
			q.fieldTypes = append(q.fieldTypes, id)
		}
	}
	return q
}

func (q *Quote) Ticks() *Quote        { return q.AddFieldTypes(groupTicks["ticks"]...) }
func (q *Quote) Stats() *Quote        { return q.AddFieldTypes(groupTicks["stats"]...) }
func (q *Quote) Fundamentals() *Quote { return q.AddFieldTypes(groupTicks["fundamentals"]...) }
func (q *Quote) Volatility() *Quote   { return q.AddFieldTypes(groupTicks["volatility"]...) }
func (q *Quote) Options() *Quote      { return q.AddFieldTypes(groupTicks["options"]...) }
func (q *Quote) Futures() *Quote      { return q.AddFieldTypes(groupTicks["futures"]...) }
func (q *Quote) Short() *Quote        { return q.AddFieldTypes(groupTicks["short"]...) }
func (q *Quote) News() *Quote         { return q.AddFieldTypes(groupTicks["news"]...) }

// RequestGroups toggles field groups by name (see GroupNames).
func (q *Quote) RequestGroups(names ...string) error {
	for _, name := range names {
		ids, ok := groupTicks[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return fmt.Errorf("marketdata: unknown field group %q", name)
		}
		q.AddFieldTypes(ids...)
	}
	return nil
}

// FieldSpec returns the comma-separated generic tick list sent upstream.
func (q *Quote) FieldSpec() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return fieldSpecLocked(q.fieldTypes)
}

// Get returns the last value of a field.
func (q *Quote) Get(key string) (any, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	v, ok := q.fields[key]
	return v, ok
}

// Fields returns a copy of all known fields.
func (q *Quote) Fields() map[string]any {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return maps.Clone(q.fields)
}

// Snapshot opens a one-shot subscription and accumulates every decoded tick
// into a map. On the first terminal event (end, upstream error or a decode
// fault) the subscription is cancelled exactly once and cb is invoked exactly
// once, with the map or the fault.
func (q *Quote) Snapshot(cb func(map[string]any, error)) *Quote {
	var (
		mu    sync.Mutex
		state = make(map[string]any)
		done  bool
		req   broker.Request
	)

	finish := func(err error) {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		done = true
		result := state
		mu.Unlock()

		req.Cancel()
		if err != nil {
			cb(nil, err)
			return
		}
		cb(result, nil)
	}

	req = q.service.MarketData(q.contract, q.FieldSpec(), true, false, broker.Handler{
		Data: func(t broker.Tick) {
			key, value, err := ParseTick(t)
			if err != nil {
				finish(err)
				return
			}
			mu.Lock()
			if !done {
				state[key] = value
			}
			mu.Unlock()
		},
		Error: finish,
		End:   func() { finish(nil) },
	})

	if err := req.Send(); err != nil {
		finish(fmt.Errorf("marketdata: snapshot %s: %w", q.contract, err))
	}
	return q
}

// SnapshotContext is a blocking form of Snapshot.
func (q *Quote) SnapshotContext(ctx context.Context) (map[string]any, error) {
	type result struct {
		state map[string]any
		err   error
	}
	ch := make(chan result, 1)
	q.Snapshot(func(state map[string]any, err error) {
		ch <- result{state, err}
	})

	select {
	case r := <-ch:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream opens a persistent subscription. Every tick updates the matching
// field and emits an Update; upstream end emits a load notification; upstream
// errors and decode faults are emitted through OnError without closing the
// quote. Calling Stream while already streaming is a no-op.
func (q *Quote) Stream() *Quote {
	q.mu.Lock()
	if q.req != nil {
		q.mu.Unlock()
		return q
	}
	spec := fieldSpecLocked(q.fieldTypes)
	req := q.service.MarketData(q.contract, spec, false, false, broker.Handler{
		Data:  q.apply,
		Error: q.errs.emit,
		End:   func() { q.loads.emit(struct{}{}) },
	})
	q.req = req
	q.mu.Unlock()

	q.streams.emit(true)
	if err := req.Send(); err != nil {
		q.errs.emit(fmt.Errorf("marketdata: stream %s: %w", q.contract, err))
	}
	return q
}

// Streaming reports whether a persistent subscription is open.
func (q *Quote) Streaming() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.req != nil
}

// Cancel closes the persistent subscription, if any. Field values are kept.
func (q *Quote) Cancel() {
	q.mu.Lock()
	req := q.req
	q.req = nil
	q.mu.Unlock()

	if req != nil {
		req.Cancel()
		q.streams.emit(false)
	}
}

func (q *Quote) apply(t broker.Tick) {
	key, value, err := ParseTick(t)
	if err != nil {
		q.errs.emit(err)
		return
	}

	q.mu.Lock()
	old := q.fields[key]
	q.fields[key] = value
	q.mu.Unlock()

	q.updates.emit(Update{Key: key, NewValue: value, OldValue: old})
}

// OnUpdate registers fn for field updates. Callbacks run on the broker's
// delivery goroutine, in tick order. The returned func unregisters fn.
func (q *Quote) OnUpdate(fn func(Update)) func() { return q.updates.add(fn) }

// OnStreamChange registers fn for subscription transitions: true when Stream
// opens one, false when Cancel closes it.
func (q *Quote) OnStreamChange(fn func(streaming bool)) func() { return q.streams.add(fn) }

// OnError registers fn for subscription and decode faults.
func (q *Quote) OnError(fn func(error)) func() { return q.errs.add(fn) }

// OnLoad registers fn for the end of the first full pass of a stream.
func (q *Quote) OnLoad(fn func()) func() {
	return q.loads.add(func(struct{}) { fn() })
}

func fieldSpecLocked(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}
