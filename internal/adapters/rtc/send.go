package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNotPionTrack = errors.New("rtc: track has no pion local track")

// PionTrack is a local track that can be sent by a pion transport.
type PionTrack interface {
	core.LocalTrack
	TrackLocal() webrtc.TrackLocal
}

type SendTransport struct {
	*connection
	device *Device
	cname  string

	mu        sync.Mutex
	producers map[string]*Producer // by mid
}

var _ core.SendTransport = (*SendTransport)(nil)

func newSendTransport(d *Device, c *connection) *SendTransport {
	return &SendTransport{
		connection: c,
		device:     d,
		cname:      uuid.NewString(),
		producers:  make(map[string]*Producer),
	}
}

// Produce adds track to the peer connection, completes the offer/answer
// round locally and asks the server for the producer id.
func (t *SendTransport) Produce(ctx context.Context, track core.LocalTrack, opts core.ProducerOptions) (core.Producer, error) {
	pt, ok := track.(PionTrack)
	if !ok {
		return nil, ErrNotPionTrack
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	t.negotiate.Lock()
	tr, err := t.pc.AddTransceiverFromTrack(pt.TrackLocal(), webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		t.negotiate.Unlock()
		return nil, fmt.Errorf("rtc: add transceiver: %w", err)
	}
	err = t.renegotiate()
	t.negotiate.Unlock()
	if err != nil {
		_ = t.pc.RemoveTrack(tr.Sender())
		return nil, err
	}

	params := t.rtpParameters(tr, track.Kind(), opts.Encodings)
	id, err := t.handler.Produce(ctx, t.id, core.ProduceParameters{
		Kind:          track.Kind(),
		RtpParameters: params,
		AppData:       opts.AppData,
	})
	if err != nil {
		t.removeSender(tr.Sender())
		return nil, err
	}

	p := &Producer{id: id, kind: track.Kind(), transport: t, transceiver: tr, track: track}
	t.mu.Lock()
	t.producers[tr.Mid()] = p
	t.mu.Unlock()
	log.Info().Str("module", "webrtc").Str("transport", string(t.id)).Str("producer", string(id)).Str("mid", tr.Mid()).Msg("producer negotiated")
	return p, nil
}

// renegotiate runs one local offer / remote answer round. Callers hold t.negotiate.
func (t *SendTransport) renegotiate() error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("rtc: set local offer: %w", err)
	}
	media, err := parseMedia(t.pc.LocalDescription())
	if err != nil {
		return err
	}

	sections := make([]section, 0, len(media))
	for _, m := range media {
		s := section{mid: m.mid, kind: m.kind, direction: "recvonly"}
		tr := t.transceiver(m.mid)
		if m.inactive || tr == nil || tr.Sender() == nil || tr.Sender().Track() == nil {
			s.direction = "inactive"
		}
		if tr != nil && tr.Sender() != nil {
			s.codecs, s.exts = fromSendParameters(tr.Sender().GetParameters())
		}
		sections = append(sections, s)
	}

	answer, err := remoteDescription(t.remote, "passive", sections)
	if err != nil {
		return fmt.Errorf("rtc: build answer: %w", err)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("rtc: set remote answer: %w", err)
	}
	return nil
}

func (t *SendTransport) transceiver(mid string) *webrtc.RTPTransceiver {
	for _, tr := range t.pc.GetTransceivers() {
		if tr.Mid() == mid {
			return tr
		}
	}
	return nil
}

func fromSendParameters(p webrtc.RTPSendParameters) ([]core.RtpCodecParameters, []core.RtpHeaderExtensionParameters) {
	codecs := make([]core.RtpCodecParameters, 0, len(p.Codecs))
	for _, c := range p.Codecs {
		codecs = append(codecs, fromPionCodec(c))
	}
	exts := make([]core.RtpHeaderExtensionParameters, 0, len(p.HeaderExtensions))
	for _, e := range p.HeaderExtensions {
		exts = append(exts, core.RtpHeaderExtensionParameters{URI: e.URI, ID: e.ID})
	}
	return codecs, exts
}

func fromPionCodec(c webrtc.RTPCodecParameters) core.RtpCodecParameters {
	out := core.RtpCodecParameters{
		MimeType:    c.MimeType,
		PayloadType: uint8(c.PayloadType),
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		Parameters:  parseFmtp(c.SDPFmtpLine),
	}
	for _, fb := range c.RTCPFeedback {
		out.RtcpFeedback = append(out.RtcpFeedback, core.RtcpFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

func parseFmtp(line string) map[string]any {
	if line == "" {
		return nil
	}
	out := map[string]any{}
	for _, kv := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// rtpParameters describes the negotiated sender for the produce request.
// The sent codec goes first.
func (t *SendTransport) rtpParameters(tr *webrtc.RTPTransceiver, kind domain.MediaKind, hints []core.RtpEncodingParameters) core.RtpParameters {
	sp := tr.Sender().GetParameters()
	codecs, exts := fromSendParameters(sp)
	if local, ok := t.device.codec(kind, ""); ok {
		for i, c := range codecs {
			if strings.EqualFold(c.MimeType, local.MimeType) && i > 0 {
				codecs[0], codecs[i] = codecs[i], codecs[0]
				break
			}
		}
	}

	var encodings []core.RtpEncodingParameters
	for i, e := range sp.Encodings {
		enc := core.RtpEncodingParameters{SSRC: uint32(e.SSRC), RID: e.RID}
		if i < len(hints) {
			enc.MaxBitrate = hints[i].MaxBitrate
			enc.ScaleResolutionDownBy = hints[i].ScaleResolutionDownBy
		}
		encodings = append(encodings, enc)
	}
	return core.RtpParameters{
		Mid:              tr.Mid(),
		Codecs:           codecs,
		HeaderExtensions: exts,
		Encodings:        encodings,
		Rtcp:             core.RtcpParameters{CNAME: t.cname, ReducedSize: true},
	}
}

// removeSender stops sending on a transceiver and renegotiates.
func (t *SendTransport) removeSender(sender *webrtc.RTPSender) {
	if t.Closed() {
		return
	}
	t.negotiate.Lock()
	defer t.negotiate.Unlock()
	if err := t.pc.RemoveTrack(sender); err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Str("transport", string(t.id)).Msg("remove track")
		return
	}
	if err := t.renegotiate(); err != nil {
		log.Warn().Err(err).Str("module", "webrtc").Str("transport", string(t.id)).Msg("renegotiate after remove")
	}
}

func (t *SendTransport) Close() error {
	t.mu.Lock()
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.producers = make(map[string]*Producer)
	t.mu.Unlock()

	for _, p := range producers {
		p.markClosed()
	}
	return t.connection.Close()
}

// Producer is one sender of the send transport.
type Producer struct {
	id          domain.ProducerID
	kind        domain.MediaKind
	transport   *SendTransport
	transceiver *webrtc.RTPTransceiver

	mu     sync.Mutex
	track  core.LocalTrack
	closed bool
}

var _ core.Producer = (*Producer)(nil)

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Track() core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

// ReplaceTrack swaps the sent track on the same sender.
func (p *Producer) ReplaceTrack(track core.LocalTrack) error {
	pt, ok := track.(PionTrack)
	if !ok {
		return ErrNotPionTrack
	}
	if track.Kind() != p.kind {
		return fmt.Errorf("rtc: replace %s track with %s", p.kind, track.Kind())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrTransportClosed
	}
	if err := p.transceiver.Sender().ReplaceTrack(pt.TrackLocal()); err != nil {
		return fmt.Errorf("rtc: replace track: %w", err)
	}
	p.track = track
	return nil
}

func (p *Producer) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	return true
}

// Close stops the sender and its track.
func (p *Producer) Close() error {
	if !p.markClosed() {
		return nil
	}
	p.transport.mu.Lock()
	delete(p.transport.producers, p.transceiver.Mid())
	p.transport.mu.Unlock()

	p.transport.removeSender(p.transceiver.Sender())
	if t := p.Track(); t != nil {
		t.Stop()
	}
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
