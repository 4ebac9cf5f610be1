// Package broker defines the market-data collaborator consumed by the quote
// runtime: a subscription primitive producing already-demultiplexed tick
// events and a symbol-resolution primitive. Connection lifecycle and the wire
// protocol belong to the implementations (see sim and wsfeed).
package broker

import (
	"context"
	"errors"
)

// ErrContractNotFound is returned by ResolveSymbol when no contract matches.
var ErrContractNotFound = errors.New("broker: no contract for description")

// Contract is the broker's summary description of a tradable instrument.
type Contract struct {
	Symbol   string  `json:"symbol"`
	SecType  string  `json:"secType"`
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
	ConID    int64   `json:"conId,omitempty"`
	Expiry   string  `json:"expiry,omitempty"`
	Strike   float64 `json:"strike,omitempty"`
	Right    string  `json:"right,omitempty"`
}

// String returns the contract's symbol, which is also how scripts name it.
func (c Contract) String() string { return c.Symbol }

// Tick is one named field update, e.g. {Name: "RT_VOLUME", Value: "..."}.
type Tick struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Handler receives events for a single market-data request.
// Callbacks are invoked sequentially, in arrival order, from a goroutine
// owned by the Service.
type Handler struct {
	Data  func(Tick)
	Error func(error)
	End   func()
}

// Request is a market-data subscription. Nothing is delivered before Send;
// Cancel stops delivery and releases the upstream subscription. Cancel is
// safe to call more than once and from within a Handler callback.
type Request interface {
	Send() error
	Cancel()
}

// Service is the market-data subscription and symbol-resolution primitive.
type Service interface {
	// MarketData prepares a subscription for contract. genericTicks is a
	// comma-separated list of generic tick ids; snapshot requests a one-shot
	// pass that ends with Handler.End.
	MarketData(contract Contract, genericTicks string, snapshot, regulatorySnapshot bool, h Handler) Request

	// ResolveSymbol turns a symbol description ("AAPL stock") into a contract.
	ResolveSymbol(ctx context.Context, description string) (Contract, error)
}
