package apptest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
)

// Track is a fake local capture track.
type Track struct {
	id   string
	kind domain.MediaKind

	mu      sync.Mutex
	ended   []func()
	stopped bool
}

func NewTrack(id string, kind domain.MediaKind) *Track {
	return &Track{id: id, kind: kind}
}

func (t *Track) ID() string             { return t.id }
func (t *Track) Kind() domain.MediaKind { return t.kind }

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = append(t.ended, fn)
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// End simulates the capture device going away.
func (t *Track) End() {
	t.mu.Lock()
	fns := t.ended
	t.ended = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type RemoteTrack struct {
	id   string
	kind domain.MediaKind
}

func (t *RemoteTrack) ID() string             { return t.id }
func (t *RemoteTrack) Kind() domain.MediaKind { return t.kind }

type Producer struct {
	id   domain.ProducerID
	kind domain.MediaKind
	log  *Log

	mu     sync.Mutex
	track  core.LocalTrack
	closed bool
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Track() core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Producer) ReplaceTrack(track core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("apptest: producer closed")
	}
	p.track = track
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.log.Add("producer:" + string(p.id))
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	id       domain.ConsumerID
	producer domain.ProducerID
	kind     domain.MediaKind
	track    *RemoteTrack
	log      *Log

	mu     sync.Mutex
	closed bool
}

func NewConsumer(log *Log, id domain.ConsumerID, producer domain.ProducerID, kind domain.MediaKind) *Consumer {
	return &Consumer{
		id:       id,
		producer: producer,
		kind:     kind,
		track:    &RemoteTrack{id: string(id), kind: kind},
		log:      log,
	}
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer }
func (c *Consumer) Kind() domain.MediaKind        { return c.kind }
func (c *Consumer) Track() core.RemoteTrack       { return c.track }

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.log.Add("consumer:" + string(c.id))
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// transport runs the connect negotiation once, on first use, like a real one.
type transport struct {
	id        domain.TransportID
	direction string
	handler   core.TransportHandler
	log       *Log

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *transport) ID() domain.TransportID { return t.id }

func (t *transport) connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("apptest: transport closed")
	}
	if t.connected {
		return nil
	}
	dtls := core.DtlsParameters{
		Role:         "client",
		Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
	if err := t.handler.Connect(ctx, t.id, dtls); err != nil {
		return err
	}
	t.connected = true
	return nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.log.Add("transport:" + t.direction)
	return nil
}

func (t *transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type SendTransport struct {
	transport
	// ProduceErr, when set, fails every produce before negotiation.
	ProduceErr error
	Options    []core.ProducerOptions
}

func (t *SendTransport) Produce(ctx context.Context, track core.LocalTrack, opts core.ProducerOptions) (core.Producer, error) {
	if t.ProduceErr != nil {
		return nil, t.ProduceErr
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	params := core.ProduceParameters{
		Kind: track.Kind(),
		RtpParameters: core.RtpParameters{
			Mid:       track.ID(),
			Codecs:    []core.RtpCodecParameters{codecFor(track.Kind())},
			Encodings: opts.Encodings,
		},
		AppData: opts.AppData,
	}
	id, err := t.handler.Produce(ctx, t.id, params)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.Options = append(t.Options, opts)
	t.mu.Unlock()
	return &Producer{id: id, kind: track.Kind(), track: track, log: t.log}, nil
}

func (t *SendTransport) ProducedOptions() []core.ProducerOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.ProducerOptions(nil), t.Options...)
}

type RecvTransport struct {
	transport
}

func (t *RecvTransport) Consume(ctx context.Context, opts core.ConsumerOptions) (core.Consumer, error) {
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	if opts.ID == "" {
		return nil, errors.New("apptest: consumer options without id")
	}
	return NewConsumer(t.log, opts.ID, opts.ProducerID, opts.Kind), nil
}

func codecFor(kind domain.MediaKind) core.RtpCodecParameters {
	if kind == domain.KindVideo {
		return core.RtpCodecParameters{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}
	}
	return core.RtpCodecParameters{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}
}

// Capabilities returns a router capability set with opus and VP8.
func Capabilities() core.RtpCapabilities {
	return core.RtpCapabilities{Codecs: []core.RtpCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000},
	}}
}

// Device is a fake media engine. Created transports are kept for inspection.
type Device struct {
	LoadErr error
	log     *Log

	mu    sync.Mutex
	caps  *core.RtpCapabilities
	loads int
	Send  *SendTransport
	Recv  *RecvTransport
}

var _ core.Device = (*Device)(nil)

func NewDevice(log *Log) *Device { return &Device{log: log} }

func (d *Device) Load(router core.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	if d.LoadErr != nil {
		return d.LoadErr
	}
	if d.caps != nil {
		return errors.New("apptest: device already loaded")
	}
	d.caps = &router
	return nil
}

func (d *Device) Loads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loads
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps != nil
}

func (d *Device) RtpCapabilities() core.RtpCapabilities {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.caps == nil {
		return core.RtpCapabilities{}
	}
	return *d.caps
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	for _, c := range d.RtpCapabilities().Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func (d *Device) CreateSendTransport(opts core.TransportOptions, h core.TransportHandler) (core.SendTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.caps == nil {
		return nil, errors.New("apptest: device not loaded")
	}
	d.Send = &SendTransport{transport: transport{id: opts.ID, direction: core.DirectionSend, handler: h, log: d.log}}
	return d.Send, nil
}

func (d *Device) CreateRecvTransport(opts core.TransportOptions, h core.TransportHandler) (core.RecvTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.caps == nil {
		return nil, errors.New("apptest: device not loaded")
	}
	d.Recv = &RecvTransport{transport: transport{id: opts.ID, direction: core.DirectionRecv, handler: h, log: d.log}}
	return d.Recv, nil
}

func (d *Device) SendTransport() *SendTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Send
}

func (d *Device) RecvTransport() *RecvTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Recv
}
