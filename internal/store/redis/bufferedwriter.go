package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quote-runtime/internal/marketdata"
)

const (
	defaultMaxBuffered = 10000
	defaultQueueSize   = 4096
)

// UpdateWriter is the write side the mirror drives; *Writer implements it.
type UpdateWriter interface {
	WriteUpdate(ctx context.Context, u Update) error
}

// Mirror copies quote updates to Redis through a circuit breaker. While the
// breaker is open, updates are buffered locally (oldest dropped beyond the
// limit) and replayed when it closes again.
type Mirror struct {
	writer UpdateWriter
	cb     *CircuitBreaker
	queue  chan Update
	logger *slog.Logger

	mu     sync.Mutex
	buffer []Update
	maxBuf int
	ctx    context.Context

	// Optional hooks for metrics.
	OnBuffer  func()
	OnFlush   func(count int)
	OnWrite   func(d time.Duration)
	OnDropped func()
}

// NewMirror wraps w. maxBuffered <= 0 selects the default limit.
func NewMirror(w UpdateWriter, cb *CircuitBreaker, maxBuffered int) *Mirror {
	if maxBuffered <= 0 {
		maxBuffered = defaultMaxBuffered
	}
	m := &Mirror{
		writer: w,
		cb:     cb,
		queue:  make(chan Update, defaultQueueSize),
		logger: slog.Default().With(slog.String("component", "redis-mirror")),
		maxBuf: maxBuffered,
		ctx:    context.Background(),
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go m.flush()
		}
	}
	return m
}

// Attach mirrors every update of q until the returned func is called.
func (m *Mirror) Attach(q *marketdata.Quote) (detach func()) {
	symbol := q.Contract().Symbol
	return q.OnUpdate(func(u marketdata.Update) {
		m.Enqueue(Update{Symbol: symbol, Key: u.Key, Value: u.NewValue, TS: time.Now()})
	})
}

// Enqueue hands u to Run without blocking the caller. Updates are dropped
// when the queue is full.
func (m *Mirror) Enqueue(u Update) {
	select {
	case m.queue <- u:
	default:
		if m.OnDropped != nil {
			m.OnDropped()
		}
		m.logger.Warn("mirror queue full, dropping update", "symbol", u.Symbol, "key", u.Key)
	}
}

// Run drains the queue until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.queue:
			m.write(ctx, u)
		}
	}
}

func (m *Mirror) write(ctx context.Context, u Update) {
	start := time.Now()
	err := m.cb.Execute(func() error { return m.writer.WriteUpdate(ctx, u) })
	switch {
	case errors.Is(err, ErrCircuitOpen):
		m.bufferWrite(u)
	case err != nil:
		m.logger.Error("mirror write failed", "symbol", u.Symbol, "key", u.Key, "error", err)
	default:
		if m.OnWrite != nil {
			m.OnWrite(time.Since(start))
		}
	}
}

func (m *Mirror) bufferWrite(u Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.buffer) >= m.maxBuf {
		m.buffer = m.buffer[1:]
	}
	m.buffer = append(m.buffer, u)

	if m.OnBuffer != nil {
		m.OnBuffer()
	}
}

// flush replays buffered updates straight to the writer.
func (m *Mirror) flush() {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	pending := m.buffer
	m.buffer = nil
	ctx := m.ctx
	m.mu.Unlock()

	failed := 0
	for _, u := range pending {
		if err := m.writer.WriteUpdate(ctx, u); err != nil {
			failed++
		}
	}

	m.logger.Info("flushed buffered updates", "count", len(pending), "failed", failed)
	if m.OnFlush != nil {
		m.OnFlush(len(pending) - failed)
	}
}

// PendingCount returns the number of buffered updates.
func (m *Mirror) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}
