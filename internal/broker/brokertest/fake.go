// Package brokertest provides an in-memory broker.Service for tests.
package brokertest

import (
	"context"
	"strings"
	"sync"

	"quote-runtime/internal/broker"
)

// Request records one MarketData call.
type Request struct {
	Contract     broker.Contract
	GenericTicks string
	Snapshot     bool

	svc     *Service
	handler broker.Handler

	mu        sync.Mutex
	sent      bool
	cancelled int
}

func (r *Request) Send() error {
	r.mu.Lock()
	r.sent = true
	r.mu.Unlock()

	if r.Snapshot && r.svc.SnapshotTicks != nil {
		go func() {
			for _, t := range r.svc.SnapshotTicks(r.Contract) {
				r.handler.Data(t)
			}
			r.handler.End()
		}()
	}
	return nil
}

func (r *Request) Cancel() {
	r.mu.Lock()
	r.cancelled++
	r.mu.Unlock()
}

// Cancelled returns how many times Cancel was called.
func (r *Request) Cancelled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Emit delivers a tick to the request's handler on the caller's goroutine.
func (r *Request) Emit(name, value string) {
	r.handler.Data(broker.Tick{Name: name, Value: value})
}

// Fail delivers an upstream error.
func (r *Request) Fail(err error) { r.handler.Error(err) }

// End delivers the end-of-pass marker.
func (r *Request) End() { r.handler.End() }

// Service is a scripted broker. Contracts maps upper-cased descriptions to
// contracts; unknown descriptions resolve to broker.ErrContractNotFound.
type Service struct {
	Contracts map[string]broker.Contract

	// SnapshotTicks, when set, is replayed asynchronously for snapshot
	// requests, followed by End.
	SnapshotTicks func(broker.Contract) []broker.Tick

	mu       sync.Mutex
	requests []*Request
	lookups  map[string]int
}

// New creates a service that knows the given symbols as stocks.
func New(symbols ...string) *Service {
	s := &Service{Contracts: make(map[string]broker.Contract)}
	for _, sym := range symbols {
		s.Contracts[sym] = broker.Contract{Symbol: sym, SecType: broker.SecStock, Exchange: "SMART", Currency: "USD"}
	}
	return s
}

func (s *Service) MarketData(c broker.Contract, genericTicks string, snapshot, _ bool, h broker.Handler) broker.Request {
	r := &Request{Contract: c, GenericTicks: genericTicks, Snapshot: snapshot, svc: s, handler: h}
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()
	return r
}

func (s *Service) ResolveSymbol(ctx context.Context, description string) (broker.Contract, error) {
	key := strings.ToUpper(strings.TrimSpace(description))
	s.mu.Lock()
	if s.lookups == nil {
		s.lookups = make(map[string]int)
	}
	s.lookups[key]++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return broker.Contract{}, err
	}
	c, ok := s.Contracts[key]
	if !ok {
		return broker.Contract{}, broker.ErrContractNotFound
	}
	return c, nil
}

// Lookups returns how many times description was resolved.
func (s *Service) Lookups(description string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups[strings.ToUpper(description)]
}

// Requests returns every MarketData call so far.
func (s *Service) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

// Streams returns the non-snapshot requests for symbol.
func (s *Service) Streams(symbol string) []*Request {
	var out []*Request
	for _, r := range s.Requests() {
		if !r.Snapshot && r.Contract.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out
}
