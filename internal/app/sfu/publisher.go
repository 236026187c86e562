package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultVideoMaxBitrate = 900_000
	DefaultVideoScaleDown  = 1
)

// DefaultVideoEncoding is the sender hint applied to every video producer.
func DefaultVideoEncoding() core.RtpEncodingParameters {
	return core.RtpEncodingParameters{
		MaxBitrate:            DefaultVideoMaxBitrate,
		ScaleResolutionDownBy: DefaultVideoScaleDown,
	}
}

// Publisher keeps at most one producer per media kind.
type Publisher struct {
	video core.RtpEncodingParameters

	mu        sync.Mutex
	closed    bool
	producers map[domain.MediaKind]core.Producer
	published map[string]struct{} // local track ids already sent
	inflight  map[domain.MediaKind]struct{}
	wanted    map[domain.MediaKind]core.LocalTrack // latest track asked for while a produce runs
	own       map[domain.ProducerID]struct{}
}

func NewPublisher(video core.RtpEncodingParameters) *Publisher {
	return &Publisher{
		video:     video,
		producers: make(map[domain.MediaKind]core.Producer),
		published: make(map[string]struct{}),
		inflight:  make(map[domain.MediaKind]struct{}),
		wanted:    make(map[domain.MediaKind]core.LocalTrack),
		own:       make(map[domain.ProducerID]struct{}),
	}
}

// Publish sends every track not yet published. A track whose kind already
// has an open producer replaces that producer's track. Produce failures are
// logged and skipped.
func (p *Publisher) Publish(ctx context.Context, send core.SendTransport, tracks []core.LocalTrack) error {
	if send == nil {
		return ErrNoSendTransport
	}
	for _, track := range tracks {
		if track == nil || !track.Kind().Valid() {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.publish(ctx, send, track)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, send core.SendTransport, track core.LocalTrack) {
	kind := track.Kind()
	logger := log.With().Str("module", "sfu.publisher").Str("kind", string(kind)).Str("track", track.ID()).Logger()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.published[track.ID()]; ok {
		p.mu.Unlock()
		return
	}
	if _, ok := p.inflight[kind]; ok {
		p.wanted[kind] = track
		p.mu.Unlock()
		logger.Debug().Msg("produce in flight, track queued")
		return
	}
	if prod, ok := p.producers[kind]; ok && !prod.Closed() {
		old := prod.Track()
		if err := prod.ReplaceTrack(track); err != nil {
			p.mu.Unlock()
			logger.Warn().Err(err).Msg("replace track failed")
			return
		}
		if old != nil {
			delete(p.published, old.ID())
		}
		p.published[track.ID()] = struct{}{}
		p.mu.Unlock()
		track.OnEnded(func() { p.ended(track) })
		logger.Info().Str("producer", string(prod.ID())).Msg("replaced track")
		return
	}
	p.inflight[kind] = struct{}{}
	p.mu.Unlock()

	opts := core.ProducerOptions{AppData: map[string]any{"mediaType": string(kind)}}
	if kind == domain.KindVideo {
		opts.Encodings = []core.RtpEncodingParameters{p.video}
	}
	prod, err := send.Produce(ctx, track, opts)

	p.mu.Lock()
	delete(p.inflight, kind)
	next, queued := p.wanted[kind]
	delete(p.wanted, kind)
	if queued && next.ID() == track.ID() {
		queued = false
	}
	if err != nil {
		p.mu.Unlock()
		logger.Warn().Err(err).Msg("produce failed")
		if queued {
			p.publish(ctx, send, next)
		}
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = prod.Close()
		return
	}
	p.producers[kind] = prod
	p.published[track.ID()] = struct{}{}
	p.own[prod.ID()] = struct{}{}
	p.mu.Unlock()

	track.OnEnded(func() { p.ended(track) })
	logger.Info().Str("producer", string(prod.ID())).Msg("produced")

	// A track swapped in during the produce goes onto the new producer.
	if queued {
		p.publish(ctx, send, next)
	}
}

// ended closes the producer still sending track and forgets it.
func (p *Publisher) ended(track core.LocalTrack) {
	p.mu.Lock()
	delete(p.published, track.ID())
	prod, ok := p.producers[track.Kind()]
	if !ok || prod.Track() == nil || prod.Track().ID() != track.ID() {
		p.mu.Unlock()
		return
	}
	delete(p.producers, track.Kind())
	p.mu.Unlock()

	if err := prod.Close(); err != nil {
		log.Warn().Err(err).Str("module", "sfu.publisher").Str("producer", string(prod.ID())).Msg("close error")
	}
	log.Info().Str("module", "sfu.publisher").Str("producer", string(prod.ID())).Msg("track ended, producer closed")
}

// Owns reports whether id was produced by this publisher.
func (p *Publisher) Owns(id domain.ProducerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.own[id]
	return ok
}

func (p *Publisher) Producer(kind domain.MediaKind) (core.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[kind]
	return prod, ok
}

// Close closes every producer, audio first. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	var closing []core.Producer
	for _, kind := range []domain.MediaKind{domain.KindAudio, domain.KindVideo} {
		if prod, ok := p.producers[kind]; ok {
			closing = append(closing, prod)
		}
	}
	p.producers = make(map[domain.MediaKind]core.Producer)
	p.published = make(map[string]struct{})
	p.wanted = make(map[domain.MediaKind]core.LocalTrack)
	p.mu.Unlock()

	for _, prod := range closing {
		if err := prod.Close(); err != nil {
			log.Warn().Err(err).Str("module", "sfu.publisher").Str("producer", string(prod.ID())).Msg("close error")
		}
	}
}
