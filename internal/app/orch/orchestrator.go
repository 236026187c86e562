// Package orch drives one room session: join, media setup, room events,
// reconnect and teardown.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/sfu"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/sourcegraph/conc"
)

var (
	ErrSessionActive   = errors.New("session already joined")
	ErrSessionClosed   = errors.New("session closed")
	ErrReconnectFailed = errors.New("signaling reconnect failed")
	ErrNoPeerID        = errors.New("join-room: no peer id in response")
)

type Config struct {
	URL         string
	Room        domain.RoomID
	DisplayName string

	CallTimeout    time.Duration
	ConsumeTimeout time.Duration
	Retry          app.RetryPolicy
	VideoEncoding  core.RtpEncodingParameters
}

// State is an immutable snapshot handed to observers.
type State struct {
	Status domain.Status
	Err    string
	PeerID domain.PeerID
	Peers  *app.Directory
}

// Session is single use: Join once, then Leave.
type Session struct {
	cfg       Config
	signal    core.SignalChannel
	newDevice func() (core.Device, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	joined   bool
	left     bool
	gen      uint64
	state    State
	media    *media
	tracks   []core.LocalTrack
	handlers map[string]core.HandlerID
	watchers map[chan State]struct{}
}

// New builds a session. Zero config values fall back to the defaults.
func New(cfg Config, signal core.SignalChannel, newDevice func() (core.Device, error)) *Session {
	if cfg.DisplayName == "" {
		cfg.DisplayName = domain.DefaultDisplayName
	}
	if cfg.Retry.Retries == 0 && cfg.Retry.Step == 0 && cfg.Retry.Sleep == nil {
		cfg.Retry = app.DefaultRetryPolicy()
	}
	if cfg.VideoEncoding == (core.RtpEncodingParameters{}) {
		cfg.VideoEncoding = sfu.DefaultVideoEncoding()
	}
	if cfg.ConsumeTimeout <= 0 {
		cfg.ConsumeTimeout = sfu.DefaultConsumeTimeout
	}
	return &Session{
		cfg:       cfg,
		signal:    signal,
		newDevice: newDevice,
		state:     State{Status: domain.StatusIdle, Peers: app.NewDirectory()},
		watchers:  make(map[chan State]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel of state snapshots starting with the current
// one. A slow reader skips intermediate snapshots but always gets the latest.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	ch <- s.state
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, ch)
	}
}

// setState must be called with s.mu held.
func (s *Session) setState(fn func(st *State)) {
	next := s.state
	fn(&next)
	if next == s.state {
		return
	}
	s.state = next
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

// current reports whether gen is still the live join.
func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.left && s.gen == gen
}

func (s *Session) fail(gen uint64, err error) error {
	s.mu.Lock()
	if s.left || s.gen != gen {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.gen++
	m := s.media
	s.media = nil
	s.setState(func(st *State) {
		st.Status = domain.StatusError
		st.Err = err.Error()
	})
	s.mu.Unlock()

	logger(s.cfg.Room).Error().Err(err).Msg("session failed")
	if m != nil {
		m.release()
	}
	return err
}

// Leave tears the session down: consumers, producers, transports, the
// signaling channel, then peer records. In-flight results are discarded.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.left = true
	s.gen++
	m := s.media
	s.media = nil
	handlers := s.handlers
	s.handlers = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for event, id := range handlers {
		s.signal.Off(event, id)
	}
	if m != nil {
		m.closeMedia()
	}
	s.signal.Close()
	if m != nil {
		m.sub.Clear()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.setState(func(st *State) {
		st.Status = domain.StatusIdle
		st.PeerID = ""
		st.Peers = app.NewDirectory()
	})
	s.mu.Unlock()
	logger(s.cfg.Room).Info().Msg("left room")
}
