// Package loop provides the single-threaded executor that owns a script
// runtime. Every interaction with the JS sandbox, the scope chain and the
// reactive engine is posted here so that none of them needs its own locking.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrStopped is returned when work is posted after the loop has exited.
var ErrStopped = errors.New("loop: stopped")

// Loop is a FIFO task queue drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	running bool

	// OnDepth, when set, receives the queue depth after every drain.
	OnDepth func(int)
}

// New creates an idle loop. Call Run to start draining.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. It reports false if the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run drains the queue until ctx is cancelled. Pending tasks are dropped on
// exit. Run must be called at most once.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			l.exec(fn)
		}

		if l.OnDepth != nil {
			l.OnDepth(l.Len())
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop goroutine. A panic in fn is returned as an error.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	ok := l.Post(func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("loop: panic: %v", r)
			}
		}()
		errc <- fn()
	})
	if !ok {
		return ErrStopped
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// AfterFunc posts fn to the loop once d has elapsed. The returned func
// cancels it if it has not fired yet.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return func() { t.Stop() }
}

// Every posts fn to the loop at each interval until cancelled or the loop
// exits.
func (l *Loop) Every(d time.Duration, fn func()) (cancel func()) {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(fn)
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
