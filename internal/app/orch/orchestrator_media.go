package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/sfu"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func logger(room domain.RoomID) *zerolog.Logger {
	l := log.With().Str("module", "orch").Str("room", string(room)).Logger()
	return &l
}

// media is everything created for one join. A reconnect or a failure
// throws it away whole.
type media struct {
	self     domain.PeerID
	nego     *sfu.Negotiator
	pair     *sfu.TransportPair
	pub      *sfu.Publisher
	sub      *sfu.Subscriber
	registry *app.ConsumerRegistry
}

// closeMedia closes consumers, producers and transports, in that order.
func (m *media) closeMedia() {
	m.sub.Close()
	m.pub.Close()
	m.pair.Close()
}

func (m *media) release() {
	m.closeMedia()
	m.sub.Clear()
}

func (s *Session) newMedia(self domain.PeerID, device core.Device) *media {
	m := &media{
		self:     self,
		nego:     sfu.NewNegotiator(s.signal, device, s.cfg.CallTimeout),
		pair:     sfu.NewTransportPair(s.signal, s.cfg.CallTimeout),
		pub:      sfu.NewPublisher(s.cfg.VideoEncoding),
		registry: app.NewConsumerRegistry(),
	}
	m.sub = sfu.NewSubscriber(s.signal, m.registry, sfu.SubscriberOptions{
		Timeout: s.cfg.ConsumeTimeout,
		Retry:   s.cfg.Retry,
		OnChange: func(d *app.Directory) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.media != m {
				return
			}
			s.setState(func(st *State) { st.Peers = d })
		},
	})
	return m
}

// enter runs the join sequence for generation gen: join-room, device load,
// transports, initial snapshot, then connected and publishing.
func (s *Session) enter(ctx context.Context, gen uint64) error {
	l := logger(s.cfg.Room)

	var resp core.JoinRoomResponse
	req := core.JoinRoomRequest{RoomID: s.cfg.Room, DisplayName: s.cfg.DisplayName}
	err := s.signal.Call(ctx, core.EventJoinRoom, req, &resp, s.cfg.CallTimeout)
	if !s.current(gen) {
		return ErrSessionClosed
	}
	if err != nil {
		return s.fail(gen, fmt.Errorf("join-room: %w", err))
	}
	if resp.PeerID == "" {
		return s.fail(gen, ErrNoPeerID)
	}

	device, err := s.newDevice()
	if err != nil {
		return s.fail(gen, fmt.Errorf("create device: %w", err))
	}
	m := s.newMedia(resp.PeerID, device)

	s.mu.Lock()
	if s.left || s.gen != gen {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.media = m
	s.setState(func(st *State) { st.PeerID = resp.PeerID })
	s.mu.Unlock()
	l.Info().Str("peer", string(resp.PeerID)).Int("peers", len(resp.Peers)).Msg("joined room")

	caps, err := m.nego.Load(ctx, resp.RtpCapabilities)
	if !s.current(gen) {
		return ErrSessionClosed
	}
	if err != nil {
		return s.fail(gen, err)
	}

	err = m.pair.Create(ctx, device)
	if !s.current(gen) {
		m.pair.Close()
		return ErrSessionClosed
	}
	if err != nil {
		return s.fail(gen, err)
	}
	m.sub.Ready(m.pair.Recv(), caps)

	// The snapshot is consumed one producer at a time.
	for _, peer := range resp.Peers {
		if peer.ID == "" || peer.ID == m.self {
			continue
		}
		m.sub.AddPeer(peer.PeerInfo)
		for _, prod := range peer.Producers {
			if !s.current(gen) {
				return ErrSessionClosed
			}
			if m.pub.Owns(prod.ID) {
				continue
			}
			_ = m.sub.Subscribe(ctx, peer.ID, prod.ID)
		}
	}

	s.mu.Lock()
	if s.left || s.gen != gen {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.setState(func(st *State) {
		st.Status = domain.StatusConnected
		st.Err = ""
	})
	s.mu.Unlock()
	l.Info().Str("peer", string(m.self)).Msg("connected")

	s.publish(ctx, m)
	return nil
}

// publish sends the local tracks when connected and the send transport exists.
func (s *Session) publish(ctx context.Context, m *media) {
	s.mu.Lock()
	if s.media != m || s.state.Status != domain.StatusConnected {
		s.mu.Unlock()
		return
	}
	tracks := append([]core.LocalTrack(nil), s.tracks...)
	s.mu.Unlock()

	send := m.pair.Send()
	if send == nil || len(tracks) == 0 {
		return
	}
	if err := m.pub.Publish(ctx, send, tracks); err != nil {
		logger(s.cfg.Room).Warn().Err(err).Msg("publish")
	}
}

// SetLocalTracks replaces the local track set and publishes it when connected.
func (s *Session) SetLocalTracks(ctx context.Context, tracks []core.LocalTrack) {
	s.mu.Lock()
	s.tracks = append([]core.LocalTrack(nil), tracks...)
	m := s.media
	s.mu.Unlock()

	if m != nil {
		s.publish(ctx, m)
	}
}
