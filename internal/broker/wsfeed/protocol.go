// Package wsfeed carries a broker.Service over a websocket. Server exposes
// any Service (cmd/tickserver serves the simulator); Client is a
// broker.Service that talks to such a server.
//
// Both directions exchange JSON Message frames. Requests are correlated by
// a client-chosen id:
//
//	→ {"op":"subscribe","id":1,"contract":{...},"genericTicks":"233","snapshot":false}
//	← {"op":"tick","id":1,"tick":{"name":"LAST","value":"190.01"}}
//	← {"op":"end","id":1}
//	→ {"op":"cancel","id":1}
//	→ {"op":"resolve","id":2,"description":"AAPL stock"}
//	← {"op":"contract","id":2,"contract":{...}}
//	← {"op":"error","id":2,"error":"...","notFound":true}
//
// When a TOTP secret is configured the server requires a current code in
// the X-Feed-TOTP header of the upgrade request.
package wsfeed

import (
	"errors"

	"quote-runtime/internal/broker"
)

// TOTPHeader carries the time-based one-time code on the upgrade request.
const TOTPHeader = "X-Feed-TOTP"

// Frame ops.
const (
	OpSubscribe = "subscribe"
	OpCancel    = "cancel"
	OpResolve   = "resolve"
	OpTick      = "tick"
	OpEnd       = "end"
	OpError     = "error"
	OpContract  = "contract"
)

var (
	ErrDisconnected = errors.New("wsfeed: disconnected")
	ErrClosed       = errors.New("wsfeed: client closed")
)

// Message is one frame on the wire.
type Message struct {
	Op           string           `json:"op"`
	ID           int64            `json:"id"`
	Contract     *broker.Contract `json:"contract,omitempty"`
	GenericTicks string           `json:"genericTicks,omitempty"`
	Snapshot     bool             `json:"snapshot,omitempty"`
	Description  string           `json:"description,omitempty"`
	Tick         *broker.Tick     `json:"tick,omitempty"`
	Error        string           `json:"error,omitempty"`
	NotFound     bool             `json:"notFound,omitempty"`
}

// RemoteError is an error frame reported by the server.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "wsfeed: remote: " + e.Message }
