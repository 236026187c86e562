package app

import (
	"sort"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog/log"
)

// ConsumerRegistry tracks every open consumer of a session by consumer id.
type ConsumerRegistry struct {
	mu        sync.RWMutex
	consumers map[domain.ConsumerID]core.Consumer
}

func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{consumers: make(map[domain.ConsumerID]core.Consumer)}
}

func (r *ConsumerRegistry) Add(c core.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.ID()] = c
	log.Debug().Str("module", "app.registry").Str("consumer", string(c.ID())).Str("producer", string(c.ProducerID())).Msg("registered consumer")
}

func (r *ConsumerRegistry) Get(id domain.ConsumerID) (core.Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	return c, ok
}

// HasProducer reports whether any registered consumer receives producer id.
func (r *ConsumerRegistry) HasProducer(id domain.ProducerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.consumers {
		if c.ProducerID() == id {
			return true
		}
	}
	return false
}

func (r *ConsumerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

// Close closes and unregisters the given consumers.
func (r *ConsumerRegistry) Close(ids ...domain.ConsumerID) {
	r.mu.Lock()
	closing := make([]core.Consumer, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.consumers[id]; ok {
			closing = append(closing, c)
			delete(r.consumers, id)
		}
	}
	r.mu.Unlock()

	for _, c := range closing {
		closeConsumer(c)
	}
}

// CloseAll closes every registered consumer and empties the registry.
func (r *ConsumerRegistry) CloseAll() {
	r.mu.Lock()
	closing := make([]core.Consumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		closing = append(closing, c)
	}
	r.consumers = make(map[domain.ConsumerID]core.Consumer)
	r.mu.Unlock()

	sort.Slice(closing, func(i, j int) bool { return closing[i].ID() < closing[j].ID() })
	for _, c := range closing {
		closeConsumer(c)
	}
}

func closeConsumer(c core.Consumer) {
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("consumer", string(c.ID())).Msg("consumer close error")
		return
	}
	log.Debug().Str("module", "app.registry").Str("consumer", string(c.ID())).Msg("closed consumer")
}
