package rtc

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerCaps() core.RtpCapabilities {
	return core.RtpCapabilities{
		Codecs: []core.RtpCodecCapability{
			{
				Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2,
				Parameters: map[string]any{"minptime": float64(10), "useinbandfec": float64(1)},
			},
			{
				Kind: domain.KindVideo, MimeType: "video/VP8", PreferredPayloadType: 96, ClockRate: 90000,
				RtcpFeedback: []core.RtcpFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}},
			},
			{Kind: domain.KindVideo, MimeType: "video/H265", PreferredPayloadType: 98, ClockRate: 90000},
		},
		HeaderExtensions: []core.RtpHeaderExtension{
			{Kind: domain.KindAudio, URI: "urn:ietf:params:rtp-hdrext:sdes:mid", PreferredID: 1},
		},
	}
}

type fakeHandler struct {
	mu       sync.Mutex
	connects []core.DtlsParameters
	produced []core.ProduceParameters
}

func (h *fakeHandler) Connect(_ context.Context, _ domain.TransportID, dtls core.DtlsParameters) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, dtls)
	return nil
}

func (h *fakeHandler) Produce(_ context.Context, _ domain.TransportID, p core.ProduceParameters) (domain.ProducerID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.produced = append(h.produced, p)
	return "prod-1", nil
}

func transportOptions(id domain.TransportID) core.TransportOptions {
	return core.TransportOptions{
		ID:            id,
		IceParameters: core.IceParameters{UsernameFragment: "ufragabcd1234", Password: "passwordpasswordpassword", IceLite: true},
		IceCandidates: []core.IceCandidate{
			{Foundation: "udpcandidate", Priority: 1076302079, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
		},
		DtlsParameters: core.DtlsParameters{Role: "auto", Fingerprints: []core.DtlsFingerprint{{
			Algorithm: "sha-256",
			Value:     "82:5A:68:3D:36:C3:0A:DE:AF:E7:32:43:D2:88:83:57:AC:2D:65:E5:80:C4:B6:FB:AF:1A:A0:21:9F:6D:0C:AD",
		}}},
	}
}

type sampleTrack struct {
	local *webrtc.TrackLocalStaticSample
	kind  domain.MediaKind
}

func newSampleTrack(t *testing.T, mime string, kind domain.MediaKind) *sampleTrack {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "track-"+string(kind), "test")
	require.NoError(t, err)
	return &sampleTrack{local: local, kind: kind}
}

func (s *sampleTrack) ID() string                    { return s.local.ID() }
func (s *sampleTrack) Kind() domain.MediaKind        { return s.kind }
func (s *sampleTrack) OnEnded(func())                {}
func (s *sampleTrack) Stop()                         {}
func (s *sampleTrack) TrackLocal() webrtc.TrackLocal { return s.local }

func TestDeviceLoad(t *testing.T) {
	d := NewDevice(Options{})
	assert.False(t, d.Loaded())
	_, err := d.CreateSendTransport(transportOptions("t1"), &fakeHandler{})
	assert.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, d.Load(routerCaps()))
	assert.True(t, d.Loaded())

	caps := d.RtpCapabilities()
	require.Len(t, caps.Codecs, 2, "H265 is not supported")
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	assert.Equal(t, "video/VP8", caps.Codecs[1].MimeType)
	require.Len(t, caps.HeaderExtensions, 1)
	assert.True(t, d.CanProduce(domain.KindAudio))
	assert.True(t, d.CanProduce(domain.KindVideo))

	assert.ErrorIs(t, d.Load(routerCaps()), ErrAlreadyLoaded)
}

func TestDeviceLoadNoCommonCodecs(t *testing.T) {
	d := NewDevice(Options{})
	err := d.Load(core.RtpCapabilities{Codecs: []core.RtpCodecCapability{
		{Kind: domain.KindVideo, MimeType: "video/H265", ClockRate: 90000},
	}})
	assert.ErrorIs(t, err, ErrNoCommonCodecs)
	assert.False(t, d.Loaded())
	assert.False(t, d.CanProduce(domain.KindVideo))
}

func TestFmtpLine(t *testing.T) {
	assert.Equal(t, "", fmtpLine(nil))
	assert.Equal(t, "minptime=10;useinbandfec=1", fmtpLine(map[string]any{"useinbandfec": float64(1), "minptime": float64(10)}))
	assert.Equal(t, "level-asymmetry-allowed=1;profile-level-id=42e01f", fmtpLine(map[string]any{
		"profile-level-id": "42e01f", "level-asymmetry-allowed": 1,
	}))
	assert.Equal(t, map[string]any{"minptime": "10", "useinbandfec": "1"}, parseFmtp("minptime=10; useinbandfec=1"))
}

func TestRemoteDescription(t *testing.T) {
	opts := transportOptions("t1")
	raw, err := remoteDescription(opts, "passive", []section{
		{
			mid: "0", kind: "audio", direction: "recvonly",
			codecs: []core.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}},
		},
		{
			mid: "1", kind: "video", direction: "sendonly",
			codecs: []core.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000,
				RtcpFeedback: []core.RtcpFeedback{{Type: "nack", Parameter: "pli"}}}},
			ssrc: 1234, cname: "cn", stream: "prod-7", track: "c1",
		},
	})
	require.NoError(t, err)

	var parsed sdp.SessionDescription
	require.NoError(t, parsed.Unmarshal([]byte(raw)))
	_, lite := parsed.Attribute("ice-lite")
	assert.True(t, lite)
	group, _ := parsed.Attribute("group")
	assert.Equal(t, "BUNDLE 0 1", group)

	require.Len(t, parsed.MediaDescriptions, 2)
	audio, video := parsed.MediaDescriptions[0], parsed.MediaDescriptions[1]
	_, recvonly := audio.Attribute("recvonly")
	assert.True(t, recvonly)
	setup, _ := audio.Attribute("setup")
	assert.Equal(t, "passive", setup)
	ufrag, _ := audio.Attribute("ice-ufrag")
	assert.Equal(t, "ufragabcd1234", ufrag)
	assert.Contains(t, raw, "a=candidate:udpcandidate 1 udp 1076302079 127.0.0.1 40000 typ host")
	assert.Contains(t, raw, "a=rtpmap:111 opus/48000/2")

	msid, _ := video.Attribute("msid")
	assert.Equal(t, "prod-7 c1", msid)
	assert.Contains(t, raw, "a=ssrc:1234 cname:cn")
	assert.Contains(t, raw, "a=rtcp-fb:96 nack pli")
}

func TestCandidateValue(t *testing.T) {
	v := candidateValue(core.IceCandidate{Foundation: "f", Priority: 1, IP: "10.0.0.1", Protocol: "TCP", Port: 443, Type: "host", TCPType: "passive"})
	assert.Equal(t, "f 1 tcp 1 10.0.0.1 443 typ host tcptype passive", v)
}

func TestSendTransportProduce(t *testing.T) {
	d := NewDevice(Options{ICEServers: []string{}})
	require.NoError(t, d.Load(routerCaps()))
	h := &fakeHandler{}
	send, err := d.CreateSendTransport(transportOptions("t-send"), h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = send.Close() })

	hint := []core.RtpEncodingParameters{{MaxBitrate: 900_000, ScaleResolutionDownBy: 1}}
	prod, err := send.Produce(context.Background(), newSampleTrack(t, webrtc.MimeTypeVP8, domain.KindVideo), core.ProducerOptions{
		Encodings: hint,
		AppData:   map[string]any{"mediaType": "video"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("prod-1"), prod.ID())

	require.Len(t, h.connects, 1)
	assert.Equal(t, "client", h.connects[0].Role)
	require.NotEmpty(t, h.connects[0].Fingerprints)
	assert.Equal(t, "sha-256", h.connects[0].Fingerprints[0].Algorithm)

	require.Len(t, h.produced, 1)
	params := h.produced[0].RtpParameters
	assert.Equal(t, domain.KindVideo, h.produced[0].Kind)
	assert.Equal(t, "0", params.Mid)
	require.NotEmpty(t, params.Codecs)
	assert.True(t, strings.EqualFold("video/VP8", params.Codecs[0].MimeType))
	require.Len(t, params.Encodings, 1)
	assert.NotZero(t, params.Encodings[0].SSRC)
	assert.Equal(t, uint64(900_000), params.Encodings[0].MaxBitrate)
	assert.NotEmpty(t, params.Rtcp.CNAME)

	_, err = send.Produce(context.Background(), &fakeLocal{}, core.ProducerOptions{})
	assert.ErrorIs(t, err, ErrNotPionTrack)

	require.NoError(t, prod.Close())
	assert.True(t, prod.Closed())
	assert.Len(t, h.connects, 1)
}

type fakeLocal struct{}

func (fakeLocal) ID() string             { return "plain" }
func (fakeLocal) Kind() domain.MediaKind { return domain.KindAudio }
func (fakeLocal) OnEnded(func())         {}
func (fakeLocal) Stop()                  {}

func TestRecvTransportConsume(t *testing.T) {
	d := NewDevice(Options{ICEServers: []string{}})
	require.NoError(t, d.Load(routerCaps()))
	h := &fakeHandler{}
	recv, err := d.CreateRecvTransport(transportOptions("t-recv"), h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = recv.Close() })

	c, err := recv.Consume(context.Background(), core.ConsumerOptions{
		ID:         "c1",
		ProducerID: "prod-7",
		Kind:       domain.KindAudio,
		RtpParameters: core.RtpParameters{
			Mid: "0",
			Codecs: []core.RtpCodecParameters{{
				MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000, Channels: 2,
				Parameters: map[string]any{"minptime": float64(10), "useinbandfec": float64(1)},
			}},
			Encodings: []core.RtpEncodingParameters{{SSRC: 1234}},
			Rtcp:      core.RtcpParameters{CNAME: "remote"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ConsumerID("c1"), c.ID())
	assert.Equal(t, domain.ProducerID("prod-7"), c.ProducerID())
	assert.Equal(t, "c1", c.Track().ID())
	require.Len(t, h.connects, 1)

	_, err = recv.Consume(context.Background(), core.ConsumerOptions{ID: "c2", Kind: domain.KindVideo})
	assert.Error(t, err, "consumer without codecs")

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	rt := c.Track().(*RemoteTrack)
	_, err = rt.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTrackEnded)
}
