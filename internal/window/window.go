// Package window provides an age-bounded, time-ordered buffer. Entries older
// than the configured duration are evicted after every insert and on a fixed
// interval equal to the duration, so the buffer stays bounded even when no
// new events arrive.
package window

import (
	"slices"
	"sync"
	"time"
)

// Option configures a Buffer.
type Option func(*options)

type options struct {
	now     func() time.Time
	janitor bool
	onEvict func(n int)
}

// WithClock replaces time.Now as the source of "now" when computing ages.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithoutJanitor disables the interval pruning goroutine. Pruning still
// happens on every Push and on explicit Prune calls.
func WithoutJanitor() Option {
	return func(o *options) { o.janitor = false }
}

// WithEvictHook registers fn to run after entries are evicted, with the
// number removed. It runs outside the buffer lock, on whichever goroutine
// pruned: the pusher, the Prune caller or the janitor.
func WithEvictHook(fn func(n int)) Option {
	return func(o *options) { o.onEvict = fn }
}

// Buffer is an ordered sequence of timestamped values bounded by age.
// Thread-safe; the interval janitor runs on its own goroutine.
type Buffer[T any] struct {
	mu       sync.Mutex
	entries  []T
	duration time.Duration
	timeOf   func(T) time.Time
	now      func() time.Time
	onEvict  func(int)

	stop      chan struct{}
	closeOnce sync.Once
}

// New creates a buffer that keeps entries for at most d, using timeOf to read
// each entry's event time.
func New[T any](d time.Duration, timeOf func(T) time.Time, opts ...Option) *Buffer[T] {
	o := options{now: time.Now, janitor: true}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Buffer[T]{
		duration: d,
		timeOf:   timeOf,
		now:      o.now,
		onEvict:  o.onEvict,
		stop:     make(chan struct{}),
	}
	if o.janitor && d > 0 {
		go b.janitor()
	}
	return b
}

// Push appends an entry and prunes eagerly.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	b.entries = append(b.entries, v)
	n := b.pruneLocked()
	b.mu.Unlock()

	b.evicted(n)
}

// Prune evicts entries from the front while the oldest is older than the
// window. Returns the number of evicted entries. Calling it twice without an
// intervening Push leaves the contents unchanged.
func (b *Buffer[T]) Prune() int {
	b.mu.Lock()
	n := b.pruneLocked()
	b.mu.Unlock()

	b.evicted(n)
	return n
}

func (b *Buffer[T]) evicted(n int) {
	if n > 0 && b.onEvict != nil {
		b.onEvict(n)
	}
}

func (b *Buffer[T]) pruneLocked() int {
	now := b.now()
	n := 0
	for n < len(b.entries) && now.Sub(b.timeOf(b.entries[n])) > b.duration {
		n++
	}
	if n > 0 {
		b.entries = slices.Delete(b.entries, 0, n)
	}
	return n
}

// Entries returns a copy of the current contents, oldest first.
func (b *Buffer[T]) Entries() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.entries)
}

// Len returns the number of entries currently held.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Duration returns the configured window.
func (b *Buffer[T]) Duration() time.Duration { return b.duration }

// Close stops the interval janitor. The buffer remains readable.
func (b *Buffer[T]) Close() {
	b.closeOnce.Do(func() { close(b.stop) })
}

func (b *Buffer[T]) janitor() {
	ticker := time.NewTicker(b.duration)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Prune()
		}
	}
}
