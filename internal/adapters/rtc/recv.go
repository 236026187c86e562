package rtc

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RecvTransport receives one sendonly section per consumer from the server.
// Sections are never removed; a closed consumer's section goes inactive.
type RecvTransport struct {
	*connection

	mu        sync.Mutex
	sections  []section
	consumers map[domain.ConsumerID]*Consumer
}

var _ core.RecvTransport = (*RecvTransport)(nil)

func newRecvTransport(c *connection) *RecvTransport {
	t := &RecvTransport{connection: c, consumers: make(map[domain.ConsumerID]*Consumer)}
	c.pc.OnTrack(t.onTrack)
	return t
}

func (t *RecvTransport) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Info().
		Str("module", "webrtc").
		Str("transport", string(t.id)).
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("OnTrack received")

	t.mu.Lock()
	c, ok := t.consumers[domain.ConsumerID(track.ID())]
	t.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "webrtc").Str("track_id", track.ID()).Msg("track without consumer")
		return
	}
	c.track.resolve(track)
}

// Consume adds a section for opts and answers the new remote offer.
func (t *RecvTransport) Consume(ctx context.Context, opts core.ConsumerOptions) (core.Consumer, error) {
	if _, err := codecType(opts.Kind); err != nil {
		return nil, err
	}
	if len(opts.RtpParameters.Codecs) == 0 {
		return nil, fmt.Errorf("rtc: consumer %s has no codecs", opts.ID)
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var ssrc uint32
	if len(opts.RtpParameters.Encodings) > 0 {
		ssrc = opts.RtpParameters.Encodings[0].SSRC
	}
	c := &Consumer{
		id:        opts.ID,
		producer:  opts.ProducerID,
		kind:      opts.Kind,
		transport: t,
		track:     newRemoteTrack(string(opts.ID), opts.Kind),
	}

	t.negotiate.Lock()
	defer t.negotiate.Unlock()

	t.mu.Lock()
	c.mid = strconv.Itoa(len(t.sections))
	t.sections = append(t.sections, section{
		mid:       c.mid,
		kind:      string(opts.Kind),
		direction: "sendonly",
		codecs:    opts.RtpParameters.Codecs,
		exts:      opts.RtpParameters.HeaderExtensions,
		ssrc:      ssrc,
		cname:     opts.RtpParameters.Rtcp.CNAME,
		stream:    string(opts.ProducerID),
		track:     string(opts.ID),
	})
	t.consumers[opts.ID] = c
	t.mu.Unlock()

	if err := t.renegotiate(); err != nil {
		t.mu.Lock()
		delete(t.consumers, opts.ID)
		t.sections[len(t.sections)-1].direction = "inactive"
		t.mu.Unlock()
		return nil, err
	}
	log.Info().Str("module", "webrtc").Str("transport", string(t.id)).Str("consumer", string(opts.ID)).Str("mid", c.mid).Msg("consumer negotiated")
	return c, nil
}

// renegotiate applies the remote offer and the local answer. Callers hold t.negotiate.
func (t *RecvTransport) renegotiate() error {
	t.mu.Lock()
	sections := append([]section(nil), t.sections...)
	t.mu.Unlock()

	offer, err := remoteDescription(t.remote, "actpass", sections)
	if err != nil {
		return fmt.Errorf("rtc: build offer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return fmt.Errorf("rtc: set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("rtc: set local answer: %w", err)
	}
	return nil
}

func (t *RecvTransport) deactivate(c *Consumer) {
	if t.Closed() {
		return
	}
	t.negotiate.Lock()
	defer t.negotiate.Unlock()

	t.mu.Lock()
	delete(t.consumers, c.id)
	for i := range t.sections {
		if t.sections[i].mid == c.mid {
			t.sections[i].direction = "inactive"
		}
	}
	t.mu.Unlock()

	if err := t.renegotiate(); err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Str("consumer", string(c.id)).Msg("renegotiate after close")
	}
}

func (t *RecvTransport) Close() error {
	t.mu.Lock()
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.consumers = make(map[domain.ConsumerID]*Consumer)
	t.mu.Unlock()

	for _, c := range consumers {
		c.markClosed()
	}
	return t.connection.Close()
}

type Consumer struct {
	id        domain.ConsumerID
	producer  domain.ProducerID
	kind      domain.MediaKind
	mid       string
	transport *RecvTransport
	track     *RemoteTrack

	mu     sync.Mutex
	closed bool
}

var _ core.Consumer = (*Consumer)(nil)

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer }
func (c *Consumer) Kind() domain.MediaKind        { return c.kind }
func (c *Consumer) Track() core.RemoteTrack       { return c.track }

func (c *Consumer) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.track.end()
	return true
}

func (c *Consumer) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.transport.deactivate(c)
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
