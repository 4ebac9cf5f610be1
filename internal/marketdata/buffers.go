package marketdata

import (
	"time"

	"quote-runtime/internal/window"
)

const (
	DefaultTickWindow = 5 * time.Second
	DefaultNewsWindow = time.Hour
)

// HistoryBuffer mirrors one field of a streaming quote into an age-bounded
// history. It is seeded with the field's current value, if any.
type HistoryBuffer[T any] struct {
	quote   *Quote
	key     string
	history *window.Buffer[T]
	detach  func()
	updates listenerSet[Update]
	evicts  listenerSet[int]
}

// TickBuffer holds recent RT_VOLUME trade prints.
type TickBuffer = HistoryBuffer[RTVolume]

// NewsBuffer holds recent news headlines.
type NewsBuffer = HistoryBuffer[NewsTick]

// TickBuffer returns a history of rtVolume prints covering d (default 5s).
func (q *Quote) TickBuffer(d time.Duration, opts ...window.Option) *TickBuffer {
	if d <= 0 {
		d = DefaultTickWindow
	}
	return newHistoryBuffer(q, "rtVolume", d, func(v RTVolume) time.Time { return v.Time }, opts...)
}

// NewsBuffer returns a history of newsTick headlines covering d (default 1h).
func (q *Quote) NewsBuffer(d time.Duration, opts ...window.Option) *NewsBuffer {
	if d <= 0 {
		d = DefaultNewsWindow
	}
	return newHistoryBuffer(q, "newsTick", d, func(v NewsTick) time.Time { return v.Time }, opts...)
}

func newHistoryBuffer[T any](q *Quote, key string, d time.Duration, timeOf func(T) time.Time, opts ...window.Option) *HistoryBuffer[T] {
	hb := &HistoryBuffer[T]{
		quote: q,
		key:   key,
	}
	opts = append(opts, window.WithEvictHook(hb.evicts.emit))
	hb.history = window.New(d, timeOf, opts...)

	if v, ok := q.Get(key); ok {
		if seed, ok := v.(T); ok {
			hb.history.Push(seed)
		}
	}

	hb.detach = q.OnUpdate(func(u Update) {
		if u.Key != key {
			return
		}
		v, ok := u.NewValue.(T)
		if !ok {
			return
		}
		hb.history.Push(v)
		hb.updates.emit(u)
	})
	return hb
}

// Quote returns the quote this buffer mirrors.
func (hb *HistoryBuffer[T]) Quote() *Quote { return hb.quote }

// Key returns the mirrored field key.
func (hb *HistoryBuffer[T]) Key() string { return hb.key }

// History returns the buffered entries, oldest first.
func (hb *HistoryBuffer[T]) History() []T { return hb.history.Entries() }

// Len returns the number of buffered entries.
func (hb *HistoryBuffer[T]) Len() int { return hb.history.Len() }

// Duration returns the history window.
func (hb *HistoryBuffer[T]) Duration() time.Duration { return hb.history.Duration() }

// Prune evicts expired entries now.
func (hb *HistoryBuffer[T]) Prune() int { return hb.history.Prune() }

// OnUpdate registers fn for each update that was added to the history.
func (hb *HistoryBuffer[T]) OnUpdate(fn func(Update)) func() { return hb.updates.add(fn) }

// OnEvict registers fn for each pass that expired entries, with the number
// removed. The janitor calls it from its own goroutine.
func (hb *HistoryBuffer[T]) OnEvict(fn func(n int)) func() { return hb.evicts.add(fn) }

// Close detaches the buffer from its quote and stops interval pruning.
func (hb *HistoryBuffer[T]) Close() {
	hb.detach()
	hb.history.Close()
}
