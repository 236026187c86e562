package core

import (
	"context"
	"encoding/json"
	"time"
)

// Frame is a raw signaling payload.
type Frame []byte

// HandlerID identifies a registered event handler for Off.
type HandlerID uint64

// EventHandler receives the data of a server-pushed event.
// Handlers run serially on the channel read loop and must not block on Call.
type EventHandler func(data json.RawMessage)

// SignalChannel is a duplex request/response + push channel to the SFU control server.
// Owned by the session; the session must Close() it.
type SignalChannel interface {
	Connect(ctx context.Context, url string) error
	// Call sends a correlated request and decodes the response into resp (may be nil).
	// A zero timeout means the channel default.
	Call(ctx context.Context, event string, req, resp any, timeout time.Duration) error
	On(event string, h EventHandler) HandlerID
	Off(event string, id HandlerID)
	Close()
}
