package apptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/core"
)

// Handler answers one call. req is the JSON encoded request.
type Handler func(ctx context.Context, req json.RawMessage) (any, error)

type Call struct {
	Event   string
	Data    json.RawMessage
	Timeout time.Duration
}

type handlerEntry struct {
	id core.HandlerID
	fn core.EventHandler
}

// Signal is a scripted core.SignalChannel. Emit delivers pushes synchronously,
// like the read loop of the real channel.
type Signal struct {
	ConnectErr error

	log *Log

	mu       sync.Mutex
	url      string
	closed   bool
	calls    []Call
	replies  map[string]Handler
	handlers map[string][]handlerEntry
	nextID   core.HandlerID
}

var _ core.SignalChannel = (*Signal)(nil)

func NewSignal(log *Log) *Signal {
	return &Signal{
		log:      log,
		replies:  map[string]Handler{},
		handlers: map[string][]handlerEntry{},
	}
}

func (s *Signal) Handle(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[event] = h
}

// Reply answers every call of event with resp.
func (s *Signal) Reply(event string, resp any) {
	s.Handle(event, func(context.Context, json.RawMessage) (any, error) { return resp, nil })
}

// Block makes calls of event wait until release is closed or the call times out.
func (s *Signal) Block(event string, release <-chan struct{}, resp any) {
	s.Handle(event, func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-release:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func (s *Signal) Connect(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	s.url = url
	return nil
}

func (s *Signal) Call(ctx context.Context, event string, req, resp any, timeout time.Duration) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.calls = append(s.calls, Call{Event: event, Data: raw, Timeout: timeout})
	h := s.replies[event]
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("apptest: %s: channel closed", event)
	}
	if h == nil {
		return fmt.Errorf("apptest: no reply scripted for %s", event)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := h(ctx, raw)
	if err != nil {
		return err
	}
	if resp == nil || out == nil {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, resp)
}

func (s *Signal) On(event string, h core.EventHandler) core.HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.handlers[event] = append(s.handlers[event], handlerEntry{id: s.nextID, fn: h})
	return s.nextID
}

func (s *Signal) Off(event string, id core.HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.handlers[event]
	for i, e := range list {
		if e.id == id {
			s.handlers[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit pushes event to the registered handlers in registration order.
func (s *Signal) Emit(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	s.mu.Lock()
	list := append([]handlerEntry(nil), s.handlers[event]...)
	s.mu.Unlock()
	for _, e := range list {
		e.fn(raw)
	}
}

func (s *Signal) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.log != nil {
		s.log.Add("signal")
	}
}

func (s *Signal) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Signal) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Calls returns the recorded calls of event, or all calls when event is empty.
func (s *Signal) Calls(event string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if event == "" || c.Event == event {
			out = append(out, c)
		}
	}
	return out
}

// Handlers reports how many handlers are registered for event.
func (s *Signal) Handlers(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}
