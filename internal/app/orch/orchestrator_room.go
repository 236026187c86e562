package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join connects the signaling channel and runs the join sequence. The
// session lives until Leave or until ctx is done. Fatal setup errors are
// returned and also recorded in the state.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.left:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.joined:
		s.mu.Unlock()
		return ErrSessionActive
	}
	s.joined = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	gen := s.gen
	s.setState(func(st *State) {
		st.Status = domain.StatusConnecting
		st.Err = ""
	})
	s.handlers = map[string]core.HandlerID{
		core.EventNewPeer:         s.signal.On(core.EventNewPeer, s.onNewPeer),
		core.EventPeerLeft:        s.signal.On(core.EventPeerLeft, s.onPeerLeft),
		core.EventNewProducer:     s.signal.On(core.EventNewProducer, s.onNewProducer),
		core.EventDisconnect:      s.signal.On(core.EventDisconnect, s.onDisconnect),
		core.EventReconnect:       s.signal.On(core.EventReconnect, s.onReconnect),
		core.EventReconnectFailed: s.signal.On(core.EventReconnectFailed, s.onReconnectFailed),
	}
	sctx := s.ctx
	s.mu.Unlock()

	logger(s.cfg.Room).Info().Str("url", s.cfg.URL).Msg("connecting")
	if err := s.signal.Connect(sctx, s.cfg.URL); err != nil {
		return s.fail(gen, fmt.Errorf("connect signaling: %w", err))
	}
	return s.enter(sctx, gen)
}

// live returns the media of the current join once the local peer id is known.
func (s *Session) live() *media {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return nil
	}
	return s.media
}

// spawn runs fn on the session wait group unless the session is leaving.
func (s *Session) spawn(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return
	}
	ctx := s.ctx
	s.wg.Go(func() { fn(ctx) })
}

func decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("event", event).Msg("malformed event")
		return false
	}
	return true
}

func (s *Session) onNewPeer(data json.RawMessage) {
	m := s.live()
	if m == nil {
		return
	}
	var ev core.NewPeerEvent
	if !decode(core.EventNewPeer, data, &ev) || ev.Peer.ID == "" || ev.Peer.ID == m.self {
		return
	}
	m.sub.AddPeer(ev.Peer)
}

func (s *Session) onPeerLeft(data json.RawMessage) {
	m := s.live()
	if m == nil {
		return
	}
	var ev core.PeerLeftEvent
	if !decode(core.EventPeerLeft, data, &ev) || ev.PeerID == "" || ev.PeerID == m.self {
		return
	}
	m.sub.RemovePeer(ev.PeerID)
}

// onNewProducer consumes off the read loop so it never blocks on a call.
func (s *Session) onNewProducer(data json.RawMessage) {
	m := s.live()
	if m == nil {
		return
	}
	var ev core.NewProducerEvent
	if !decode(core.EventNewProducer, data, &ev) || ev.ProducerID == "" || ev.PeerID == "" {
		return
	}
	if ev.PeerID == m.self || m.pub.Owns(ev.ProducerID) {
		return
	}
	s.spawn(func(ctx context.Context) {
		_ = m.sub.Subscribe(ctx, ev.PeerID, ev.ProducerID)
	})
}

func (s *Session) onDisconnect(json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left || s.state.Status != domain.StatusConnected {
		return
	}
	s.setState(func(st *State) { st.Status = domain.StatusConnecting })
	logger(s.cfg.Room).Warn().Msg("signaling disconnected")
}

// onReconnect drops all media state and joins again on the new connection.
func (s *Session) onReconnect(json.RawMessage) {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	m := s.media
	s.media = nil
	s.setState(func(st *State) {
		st.Status = domain.StatusConnecting
		st.Err = ""
		st.PeerID = ""
	})
	s.mu.Unlock()

	logger(s.cfg.Room).Info().Msg("signaling reconnected, joining again")
	s.spawn(func(ctx context.Context) {
		if m != nil {
			m.release()
		}
		s.mu.Lock()
		if !s.left && s.gen == gen {
			s.setState(func(st *State) { st.Peers = app.NewDirectory() })
		}
		s.mu.Unlock()
		_ = s.enter(ctx, gen)
	})
}

func (s *Session) onReconnectFailed(json.RawMessage) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	_ = s.fail(gen, ErrReconnectFailed)
}
