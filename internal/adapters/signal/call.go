package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type pendingCall struct {
	done   chan struct{}
	ok     bool
	data   json.RawMessage
	errMsg string
	err    error
}

// Call sends event with req and waits for the correlated response.
// It fails with ErrTimeout after timeout, *ServerError on an error payload
// and ErrDisconnected when the connection drops first.
func (ch *Channel) Call(ctx context.Context, event string, req, resp any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = ch.opts.CallTimeout
	}

	payload := json.RawMessage("{}")
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("signal: marshal %s: %w", event, err)
		}
		payload = b
	}

	corrID := uuid.NewString()
	frame, err := json.Marshal(envelope{ID: corrID, Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", event, err)
	}

	call := &pendingCall{done: make(chan struct{})}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return ErrClosed
	}
	c := ch.conn
	if c == nil {
		ch.mu.Unlock()
		return fmt.Errorf("signal: %s: %w", event, ErrNotConnected)
	}
	ch.pending[corrID] = call
	ch.mu.Unlock()
	defer ch.deleteCall(corrID)

	if err := c.TrySend(frame); err != nil {
		return fmt.Errorf("signal: send %s: %w", event, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, event)
		}
		return ctx.Err()
	case <-timer.C:
		log.Warn().Str("module", "signal").Str("event", event).Dur("timeout", timeout).Msg("call timeout")
		return fmt.Errorf("%w: %s after %s", ErrTimeout, event, timeout)
	case <-call.done:
	}

	if call.err != nil {
		return fmt.Errorf("signal: %s: %w", event, call.err)
	}
	if !call.ok {
		return &ServerError{Event: event, Message: call.errMsg}
	}
	if resp != nil && len(call.data) > 0 {
		if err := json.Unmarshal(call.data, resp); err != nil {
			return fmt.Errorf("signal: decode %s response: %w", event, err)
		}
	}
	return nil
}

// complete hands a response frame to its pending call. It reports false when
// no call is waiting for env.ID.
func (ch *Channel) complete(env envelope) bool {
	ch.mu.Lock()
	call, ok := ch.pending[env.ID]
	if ok {
		delete(ch.pending, env.ID)
	}
	ch.mu.Unlock()
	if !ok {
		return false
	}

	call.ok = env.OK
	call.data = env.Data
	call.errMsg = env.Error
	if !env.OK && call.errMsg == "" {
		call.errMsg = "unknown error"
	}
	close(call.done)
	return true
}

func (ch *Channel) failPending(err error) {
	ch.mu.Lock()
	calls := ch.pending
	ch.pending = make(map[string]*pendingCall)
	ch.mu.Unlock()

	for _, call := range calls {
		call.err = err
		close(call.done)
	}
}

func (ch *Channel) deleteCall(corrID string) {
	ch.mu.Lock()
	delete(ch.pending, corrID)
	ch.mu.Unlock()
}
