package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultConsumeTimeout = 30 * time.Second

var (
	ErrSubscriberClosed = errors.New("sfu: subscriber closed")
	ErrPeerLeft         = errors.New("sfu: peer left")
)

type SubscriberOptions struct {
	Timeout time.Duration
	Retry   app.RetryPolicy
	// OnChange receives every new directory snapshot. It runs with the
	// subscriber lock held and must not call back into the subscriber.
	OnChange func(*app.Directory)
}

// Subscriber owns the remote peer directory of one join and turns remote
// publications into consumers attached to their peers.
type Subscriber struct {
	signal   core.SignalChannel
	registry *app.ConsumerRegistry
	opts     SubscriberOptions

	mu       sync.Mutex
	closed   bool
	recv     core.RecvTransport
	caps     *core.RtpCapabilities
	dir      *app.Directory
	inflight map[domain.ProducerID]struct{}
	left     map[domain.PeerID]struct{}
	// epochs counts the memberships of a peer id that have ended. A consume
	// started in an earlier membership never attaches to a later one.
	epochs map[domain.PeerID]uint64
}

func NewSubscriber(signal core.SignalChannel, registry *app.ConsumerRegistry, opts SubscriberOptions) *Subscriber {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConsumeTimeout
	}
	return &Subscriber{
		signal:   signal,
		registry: registry,
		opts:     opts,
		dir:      app.NewDirectory(),
		inflight: make(map[domain.ProducerID]struct{}),
		left:     make(map[domain.PeerID]struct{}),
		epochs:   make(map[domain.PeerID]uint64),
	}
}

// Ready makes consuming possible once the recv transport and the local
// capabilities exist.
func (s *Subscriber) Ready(recv core.RecvTransport, caps core.RtpCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv = recv
	s.caps = &caps
}

func (s *Subscriber) Directory() *app.Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// setDir must be called with s.mu held.
func (s *Subscriber) setDir(d *app.Directory) {
	if d == s.dir {
		return
	}
	s.dir = d
	if s.opts.OnChange != nil {
		s.opts.OnChange(d)
	}
}

// AddPeer records a peer, or fills in its display name.
func (s *Subscriber) AddPeer(info domain.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || info.ID == "" {
		return
	}
	delete(s.left, info.ID)
	s.setDir(s.dir.Upsert(info))
}

// RemovePeer closes every consumer of the peer, then drops the peer record.
// Consumes still in flight for it are discarded when they settle.
func (s *Subscriber) RemovePeer(id domain.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.left[id] = struct{}{}
	s.epochs[id]++
	peer, ok := s.dir.Get(id)
	if !ok {
		return
	}
	var ids []domain.ConsumerID
	for _, c := range peer.Consumers() {
		ids = append(ids, c.ID())
	}
	s.registry.Close(ids...)
	s.setDir(s.dir.Remove(id))
	log.Info().Str("module", "sfu.subscriber").Str("peer", string(id)).Int("consumers", len(ids)).Msg("peer left")
}

// Subscribe consumes producer on behalf of peer with the retry policy.
// Producers already consumed or in flight are skipped.
func (s *Subscriber) Subscribe(ctx context.Context, peer domain.PeerID, producer domain.ProducerID) error {
	epoch, ok := s.begin(peer, producer)
	if !ok {
		return nil
	}
	defer s.end(producer)

	err := s.opts.Retry.Do(ctx, func(ctx context.Context) error {
		err := s.consume(ctx, peer, producer, epoch)
		if err != nil && !isPermanentSkip(err) {
			log.Warn().Err(err).Str("module", "sfu.subscriber").Str("peer", string(peer)).Str("producer", string(producer)).Msg("consume attempt failed")
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case isPermanentSkip(err):
		log.Debug().Err(err).Str("module", "sfu.subscriber").Str("producer", string(producer)).Msg("consume skipped")
		return nil
	default:
		log.Error().Err(err).Str("module", "sfu.subscriber").Str("peer", string(peer)).Str("producer", string(producer)).Msg("consume abandoned")
		return err
	}
}

func isPermanentSkip(err error) bool {
	return errors.Is(err, ErrSubscriberClosed) || errors.Is(err, ErrPeerLeft)
}

// begin claims producer and returns the membership epoch of peer.
func (s *Subscriber) begin(peer domain.PeerID, producer domain.ProducerID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}
	if _, ok := s.left[peer]; ok {
		return 0, false
	}
	if _, ok := s.inflight[producer]; ok {
		return 0, false
	}
	if s.registry.HasProducer(producer) {
		return 0, false
	}
	s.inflight[producer] = struct{}{}
	return s.epochs[peer], true
}

func (s *Subscriber) end(producer domain.ProducerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, producer)
}

// stale reports why a result for peer started in epoch must be discarded,
// if it must. Called with s.mu held.
func (s *Subscriber) stale(peer domain.PeerID, epoch uint64) error {
	if s.closed {
		return ErrSubscriberClosed
	}
	if s.epochs[peer] != epoch {
		return ErrPeerLeft
	}
	return nil
}

func (s *Subscriber) consume(ctx context.Context, peer domain.PeerID, producer domain.ProducerID, epoch uint64) error {
	s.mu.Lock()
	recv, caps := s.recv, s.caps
	stale := s.stale(peer, epoch)
	s.mu.Unlock()
	if stale != nil {
		return app.Permanent(stale)
	}
	if recv == nil || caps == nil {
		log.Warn().Str("module", "sfu.subscriber").Str("producer", string(producer)).Msg("consume before device and recv transport are ready")
		return app.Permanent(ErrNotLoaded)
	}

	var opts core.ConsumerOptions
	req := core.ConsumeRequest{TransportID: recv.ID(), ProducerID: producer, RtpCapabilities: *caps}
	if err := s.signal.Call(ctx, core.EventConsume, req, &opts, s.opts.Timeout); err != nil {
		return fmt.Errorf("sfu: consume %s: %w", producer, err)
	}
	if opts.ProducerID == "" {
		opts.ProducerID = producer
	}

	consumer, err := recv.Consume(ctx, opts)
	if err != nil {
		return fmt.Errorf("sfu: consumer %s: %w", opts.ID, err)
	}

	s.mu.Lock()
	stale = s.stale(peer, epoch)
	s.mu.Unlock()
	if stale != nil {
		_ = consumer.Close()
		return app.Permanent(stale)
	}
	s.registry.Add(consumer)

	resume := core.ResumeConsumerRequest{ConsumerID: consumer.ID()}
	if err := s.signal.Call(ctx, core.EventResumeConsumer, resume, nil, s.opts.Timeout); err != nil {
		log.Warn().Err(err).Str("module", "sfu.subscriber").Str("consumer", string(consumer.ID())).Msg("resume-consumer failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stale := s.stale(peer, epoch); stale != nil {
		s.registry.Close(consumer.ID())
		return app.Permanent(stale)
	}
	dir, attached := s.dir.AttachConsumer(peer, consumer)
	if !attached {
		s.registry.Close(consumer.ID())
		return nil
	}
	s.setDir(dir)
	log.Info().Str("module", "sfu.subscriber").Str("peer", string(peer)).Str("producer", string(producer)).Str("consumer", string(consumer.ID())).Msg("consumer attached")
	return nil
}

// Close closes every consumer. Results still in flight are discarded.
func (s *Subscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.registry.CloseAll()
}

// Clear drops all peer records.
func (s *Subscriber) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setDir(app.NewDirectory())
}
