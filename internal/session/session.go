// Package session is the broker session scripts resolve implicit
// identifiers against. It maps a bare name to a broker description (well-known
// aliases first, then the symbol directory, then the name itself), resolves
// the contract and hands out one cached live quote per symbol.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quote-runtime/internal/broker"
	"quote-runtime/internal/marketdata"
	"quote-runtime/internal/metrics"
)

// Directory looks up broker descriptions by alias.
type Directory interface {
	Lookup(ctx context.Context, alias string) (string, bool, error)
}

// Mirror receives every update of every quote the session creates.
type Mirror interface {
	Attach(q *marketdata.Quote) (detach func())
}

// Options configures a Session.
type Options struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Symbols    map[string]string // well-known alias -> description
	Directory  Directory
	Mirror     Mirror
	Groups     []string // field groups requested on every new quote
	AutoStream bool     // open a stream as soon as a quote is created

	// OnTick, when set, sees every applied update with its symbol.
	OnTick func(symbol string, u marketdata.Update)
}

// Session caches quotes by upper-cased name.
type Session struct {
	svc  broker.Service
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	quotes map[string]*marketdata.Quote
	detach []func()
	flight singleflight.Group
	closed bool
}

// New creates a session over svc.
func New(svc broker.Service, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	symbols := make(map[string]string, len(opts.Symbols))
	for k, v := range opts.Symbols {
		symbols[strings.ToUpper(k)] = v
	}
	opts.Symbols = symbols

	return &Session{
		svc:    svc,
		opts:   opts,
		log:    log.With(slog.String("component", "session")),
		quotes: make(map[string]*marketdata.Quote),
	}
}

// Resolve implements the script resolver contract: the quote for name, or
// (nil, nil) when the broker has no contract for it.
func (s *Session) Resolve(ctx context.Context, name string) (any, error) {
	q, err := s.Quote(ctx, name)
	if errors.Is(err, broker.ErrContractNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Description maps name to the broker description the session would use.
func (s *Session) Description(ctx context.Context, name string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if desc, ok := s.opts.Symbols[key]; ok {
		return desc, nil
	}
	if s.opts.Directory != nil {
		desc, ok, err := s.opts.Directory.Lookup(ctx, key)
		if err != nil {
			return "", fmt.Errorf("session: directory lookup %s: %w", key, err)
		}
		if ok {
			return desc, nil
		}
	}
	return key, nil
}

// Contract resolves name to a broker contract.
func (s *Session) Contract(ctx context.Context, name string) (broker.Contract, error) {
	desc, err := s.Description(ctx, name)
	if err != nil {
		return broker.Contract{}, err
	}
	return s.svc.ResolveSymbol(ctx, desc)
}

// Quote returns the cached quote for name, creating it on first use.
// Concurrent first requests for one name share a single broker lookup.
func (s *Session) Quote(ctx context.Context, name string) (*marketdata.Quote, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return nil, broker.ErrContractNotFound
	}

	s.mu.Lock()
	if q, ok := s.quotes[key]; ok {
		s.mu.Unlock()
		return q, nil
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do(key, func() (any, error) {
		start := time.Now()
		contract, err := s.Contract(ctx, key)
		if err != nil {
			return nil, err
		}
		q, err := s.newQuote(key, contract)
		if err != nil {
			return nil, err
		}
		s.log.Info("quote created", "name", key, "symbol", contract.Symbol, "sec_type", contract.SecType, "took", time.Since(start))
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*marketdata.Quote), nil
}

func (s *Session) newQuote(key string, contract broker.Contract) (*marketdata.Quote, error) {
	q := marketdata.NewQuote(s.svc, contract)
	if err := q.RequestGroups(s.opts.Groups...); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session: closed")
	}
	if existing, ok := s.quotes[key]; ok {
		return existing, nil
	}
	s.quotes[key] = q
	s.watch(q)

	if s.opts.AutoStream {
		q.Stream()
	}
	return q, nil
}

// watch wires metrics, logging and the mirror to q. Called with s.mu held.
func (s *Session) watch(q *marketdata.Quote) {
	symbol := q.Contract().Symbol
	m := s.opts.Metrics

	s.detach = append(s.detach,
		q.OnStreamChange(func(streaming bool) {
			if m == nil {
				return
			}
			if streaming {
				m.ActiveStreams.Inc()
			} else {
				m.ActiveStreams.Dec()
			}
		}),
		q.OnUpdate(func(u marketdata.Update) {
			if m != nil {
				m.TicksTotal.Inc()
			}
			if s.opts.OnTick != nil {
				s.opts.OnTick(symbol, u)
			}
		}),
		q.OnError(func(err error) {
			var de *marketdata.DecodeError
			if errors.As(err, &de) {
				if m != nil {
					m.TickDecodeFaults.Inc()
				}
				s.log.Warn("tick decode fault", "symbol", symbol, "error", err)
				return
			}
			if m != nil {
				m.SubscriptionFaults.Inc()
			}
			s.log.Error("subscription fault", "symbol", symbol, "error", err)
		}),
	)
	if s.opts.Mirror != nil {
		s.detach = append(s.detach, s.opts.Mirror.Attach(q))
	}
}

// Quotes lists the cached quote names.
func (s *Session) Quotes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.quotes))
	for k := range s.quotes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Close cancels every stream and detaches all listeners.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	quotes := s.quotes
	detach := s.detach
	s.quotes = map[string]*marketdata.Quote{}
	s.detach = nil
	s.mu.Unlock()

	for _, q := range quotes {
		q.Cancel()
	}
	for _, fn := range detach {
		fn()
	}
	s.log.Info("session closed", "quotes", len(quotes))
}
