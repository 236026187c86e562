package signal

import (
	"encoding/json"

	"github.com/dkeye/roomclient/internal/core"
)

type handlerEntry struct {
	id core.HandlerID
	fn core.EventHandler
}

// On registers h for event. Handlers of one event run in registration order.
func (ch *Channel) On(event string, h core.EventHandler) core.HandlerID {
	id := core.HandlerID(ch.nextID.Add(1))
	ch.hmu.Lock()
	ch.handlers[event] = append(ch.handlers[event], handlerEntry{id: id, fn: h})
	ch.hmu.Unlock()
	return id
}

func (ch *Channel) Off(event string, id core.HandlerID) {
	ch.hmu.Lock()
	defer ch.hmu.Unlock()
	entries := ch.handlers[event]
	out := make([]handlerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(ch.handlers, event)
		return
	}
	ch.handlers[event] = out
}

func (ch *Channel) dispatch(event string, data json.RawMessage) {
	ch.hmu.RLock()
	entries := ch.handlers[event]
	ch.hmu.RUnlock()

	for _, e := range entries {
		e.fn(data)
	}
}
