package signal

import (
	"time"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/rs/zerolog/log"
)

// ReconnectPolicy bounds automatic reconnection. Zero Attempts disables it.
type ReconnectPolicy struct {
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Attempts:   5,
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	}
}

// Backoff returns the wait before the given attempt (1-based): doubling from
// MinBackoff, capped at MaxBackoff.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.MinBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (ch *Channel) reconnectLoop() {
	policy := ch.opts.Reconnect
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ch.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ws, err := ch.dial(ch.ctx)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		c := ch.install(ws)
		if c == nil {
			return
		}
		log.Info().Str("module", "signal").Int("attempt", attempt).Msg("reconnected")

		go ch.writePump(c)
		// Reconnect handlers see the new connection before any frame read from it.
		ch.dispatch(core.EventReconnect, nil)
		go ch.readPump(c)
		return
	}

	if ch.ctx.Err() != nil {
		return
	}
	log.Error().Str("module", "signal").Int("attempts", policy.Attempts).Msg("giving up reconnecting")
	ch.dispatch(core.EventReconnectFailed, nil)
}
