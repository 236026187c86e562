package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/apptest"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	log    *apptest.Log
	signal *apptest.Signal
	sess   *Session

	mu      sync.Mutex
	devices []*apptest.Device
}

func joinAck() core.JoinRoomResponse {
	caps := apptest.Capabilities()
	return core.JoinRoomResponse{
		PeerID: "p1",
		Peers: []core.RoomPeer{
			{
				PeerInfo:  domain.PeerInfo{ID: "p2", DisplayName: "Bob"},
				Producers: []core.PublicationInfo{{ID: "prod-7", Kind: domain.KindAudio}},
			},
		},
		RtpCapabilities: &caps,
	}
}

func consumeReply(_ context.Context, raw json.RawMessage) (any, error) {
	var req core.ConsumeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	kind := domain.KindAudio
	if req.ProducerID == "prod-cam" {
		kind = domain.KindVideo
	}
	return core.ConsumerOptions{
		ID:         domain.ConsumerID("c-" + string(req.ProducerID)),
		ProducerID: req.ProducerID,
		Kind:       kind,
	}, nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{log: apptest.NewLog()}
	h.signal = apptest.NewSignal(h.log)
	h.signal.Reply(core.EventJoinRoom, joinAck())
	h.signal.Handle(core.EventCreateWebRtcTransport, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req core.CreateTransportRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return core.TransportOptions{ID: domain.TransportID("t-" + req.Direction)}, nil
	})
	h.signal.Reply(core.EventConnectTransport, struct{}{})
	h.signal.Handle(core.EventProduce, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req core.ProduceRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return core.ProduceResponse{ID: domain.ProducerID("prod-" + string(req.Kind))}, nil
	})
	h.signal.Handle(core.EventConsume, consumeReply)
	h.signal.Reply(core.EventResumeConsumer, struct{}{})

	retry := app.DefaultRetryPolicy()
	retry.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	h.sess = New(Config{
		URL:         "ws://sfu.test/api/ws/signal",
		Room:        "r1",
		DisplayName: "Alice",
		CallTimeout: time.Second,
		Retry:       retry,
	}, h.signal, func() (core.Device, error) {
		d := apptest.NewDevice(h.log)
		h.mu.Lock()
		h.devices = append(h.devices, d)
		h.mu.Unlock()
		return d, nil
	})
	t.Cleanup(h.sess.Leave)
	return h
}

func (h *harness) device(t *testing.T, i int) *apptest.Device {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(t, len(h.devices), i)
	return h.devices[i]
}

func (h *harness) events() []string {
	var out []string
	for _, c := range h.signal.Calls("") {
		out = append(out, c.Event)
	}
	return out
}

func streamLen(t *testing.T, st State, peer domain.PeerID) int {
	t.Helper()
	p, ok := st.Peers.Get(peer)
	require.True(t, ok, "peer %s", peer)
	return p.Stream().Len()
}

func TestJoinConsumesSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Join(context.Background()))

	st := h.sess.State()
	assert.Equal(t, domain.StatusConnected, st.Status)
	assert.Equal(t, domain.PeerID("p1"), st.PeerID)
	assert.Equal(t, 1, streamLen(t, st, "p2"))
	peer, _ := st.Peers.Get("p2")
	assert.Equal(t, "Bob", peer.DisplayName)
	_, ok := peer.Consumer("c-prod-7")
	assert.True(t, ok)

	assert.Equal(t, "ws://sfu.test/api/ws/signal", h.signal.URL())
	assert.Equal(t, []string{
		core.EventJoinRoom,
		core.EventCreateWebRtcTransport,
		core.EventCreateWebRtcTransport,
		core.EventConsume,
		core.EventConnectTransport,
		core.EventResumeConsumer,
	}, h.events())

	joins := h.signal.Calls(core.EventJoinRoom)
	assert.JSONEq(t, `{"roomId":"r1","displayName":"Alice"}`, string(joins[0].Data))
	assert.Equal(t, 30*time.Second, h.signal.Calls(core.EventConsume)[0].Timeout)
	assert.Equal(t, 1, h.device(t, 0).Loads())

	assert.ErrorIs(t, h.sess.Join(context.Background()), ErrSessionActive)
}

func TestJoinConsumesVideoSnapshot(t *testing.T) {
	h := newHarness(t)
	ack := joinAck()
	ack.Peers[0].Producers = []core.PublicationInfo{{ID: "prod-7", Kind: domain.KindVideo}}
	h.signal.Reply(core.EventJoinRoom, ack)
	h.signal.Handle(core.EventConsume, func(ctx context.Context, raw json.RawMessage) (any, error) {
		resp, err := consumeReply(ctx, raw)
		if err != nil {
			return nil, err
		}
		opts := resp.(core.ConsumerOptions)
		opts.Kind = domain.KindVideo
		return opts, nil
	})
	require.NoError(t, h.sess.Join(context.Background()))

	st := h.sess.State()
	peer, ok := st.Peers.Get("p2")
	require.True(t, ok)
	tracks := peer.Stream().Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, domain.KindVideo, tracks[0].Kind())
	assert.Equal(t, "c-prod-7", tracks[0].ID())
}

func TestJoinFetchesCapabilitiesWhenMissing(t *testing.T) {
	h := newHarness(t)
	ack := joinAck()
	caps := ack.RtpCapabilities
	ack.RtpCapabilities = nil
	h.signal.Reply(core.EventJoinRoom, ack)
	h.signal.Reply(core.EventGetRouterRtpCapabilities, core.RouterCapabilitiesResponse{RtpCapabilities: caps})

	require.NoError(t, h.sess.Join(context.Background()))
	assert.Len(t, h.signal.Calls(core.EventGetRouterRtpCapabilities), 1)
	assert.Equal(t, domain.StatusConnected, h.sess.State().Status)
}

func TestJoinTimeoutFailsSession(t *testing.T) {
	h := newHarness(t)
	h.sess.cfg.CallTimeout = 20 * time.Millisecond
	h.signal.Block(core.EventJoinRoom, make(chan struct{}), joinAck())

	err := h.sess.Join(context.Background())
	require.Error(t, err)

	st := h.sess.State()
	assert.Equal(t, domain.StatusError, st.Status)
	assert.Contains(t, st.Err, "join-room")
	assert.Empty(t, h.signal.Calls(core.EventCreateWebRtcTransport))
	h.mu.Lock()
	assert.Empty(t, h.devices)
	h.mu.Unlock()
}

func TestInvalidCapabilitiesFailSession(t *testing.T) {
	h := newHarness(t)
	ack := joinAck()
	ack.RtpCapabilities = &core.RtpCapabilities{}
	h.signal.Reply(core.EventJoinRoom, ack)

	require.Error(t, h.sess.Join(context.Background()))
	st := h.sess.State()
	assert.Equal(t, domain.StatusError, st.Status)
	assert.Contains(t, st.Err, "invalid router rtp capabilities")
	assert.Empty(t, h.signal.Calls(core.EventCreateWebRtcTransport))
}

func TestConnectFailureFailsSession(t *testing.T) {
	h := newHarness(t)
	h.signal.ConnectErr = assert.AnError

	require.ErrorIs(t, h.sess.Join(context.Background()), assert.AnError)
	assert.Equal(t, domain.StatusError, h.sess.State().Status)
	assert.Empty(t, h.signal.Calls(""))
}

func TestSnapshotFailureDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	ack := joinAck()
	ack.Peers[0].Producers = []core.PublicationInfo{{ID: "prod-bad"}, {ID: "prod-7"}}
	h.signal.Reply(core.EventJoinRoom, ack)
	h.signal.Handle(core.EventConsume, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req core.ConsumeRequest
		_ = json.Unmarshal(raw, &req)
		if req.ProducerID == "prod-bad" {
			return nil, assert.AnError
		}
		return consumeReply(ctx, raw)
	})

	require.NoError(t, h.sess.Join(context.Background()))
	assert.Equal(t, 1, streamLen(t, h.sess.State(), "p2"))
	assert.Len(t, h.signal.Calls(core.EventConsume), 5)
}

func TestNewProducerIsConsumed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Join(context.Background()))

	h.signal.Emit(core.EventNewPeer, core.NewPeerEvent{Peer: domain.PeerInfo{ID: "p3"}})
	h.signal.Emit(core.EventNewProducer, core.NewProducerEvent{ProducerID: "prod-cam", PeerID: "p3", Kind: domain.KindVideo})

	assert.Eventually(t, func() bool {
		p, ok := h.sess.State().Peers.Get("p3")
		return ok && p.Stream().Len() == 1
	}, waitFor, tick)

	// a publication of an unknown peer creates its record
	h.signal.Emit(core.EventNewProducer, core.NewProducerEvent{ProducerID: "prod-9", PeerID: "p4"})
	assert.Eventually(t, func() bool {
		p, ok := h.sess.State().Peers.Get("p4")
		return ok && p.Stream().Len() == 1
	}, waitFor, tick)
}

func TestSelfOriginatedProducerIgnored(t *testing.T) {
	h := newHarness(t)
	h.sess.SetLocalTracks(context.Background(), []core.LocalTrack{apptest.NewTrack("mic", domain.KindAudio)})
	require.NoError(t, h.sess.Join(context.Background()))
	require.Len(t, h.signal.Calls(core.EventProduce), 1)
	before := len(h.signal.Calls(core.EventConsume))

	h.signal.Emit(core.EventNewProducer, core.NewProducerEvent{ProducerID: "prod-x", PeerID: "p1"})
	h.signal.Emit(core.EventNewProducer, core.NewProducerEvent{ProducerID: "prod-audio", PeerID: "p3"})
	h.sess.wg.Wait()

	assert.Len(t, h.signal.Calls(core.EventConsume), before)
	_, ok := h.sess.State().Peers.Get("p1")
	assert.False(t, ok)
}

func TestEventsBeforeJoinAckIgnored(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.signal.Block(core.EventJoinRoom, release, joinAck())

	done := make(chan error, 1)
	go func() { done <- h.sess.Join(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.signal.Calls(core.EventJoinRoom)) == 1 }, waitFor, tick)

	h.signal.Emit(core.EventNewProducer, core.NewProducerEvent{ProducerID: "prod-early", PeerID: "p5"})
	h.signal.Emit(core.EventNewPeer, core.NewPeerEvent{Peer: domain.PeerInfo{ID: "p5"}})
	close(release)
	require.NoError(t, <-done)

	_, ok := h.sess.State().Peers.Get("p5")
	assert.False(t, ok)
	for _, c := range h.signal.Calls(core.EventConsume) {
		assert.NotContains(t, string(c.Data), "prod-early")
	}
}

func TestPeerLeftClosesConsumers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Join(context.Background()))
	before := h.sess.State().Peers

	h.signal.Emit(core.EventPeerLeft, core.PeerLeftEvent{PeerID: "p2"})

	st := h.sess.State()
	_, ok := st.Peers.Get("p2")
	assert.False(t, ok)
	assert.NotSame(t, before, st.Peers)
	assert.Equal(t, []string{"consumer:c-prod-7"}, h.log.Entries())
}

func TestPublishOnConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Join(context.Background()))
	assert.Empty(t, h.signal.Calls(core.EventProduce))

	tracks := []core.LocalTrack{
		apptest.NewTrack("mic", domain.KindAudio),
		apptest.NewTrack("cam", domain.KindVideo),
	}
	h.sess.SetLocalTracks(context.Background(), tracks)
	h.sess.SetLocalTracks(context.Background(), tracks)

	produced := h.signal.Calls(core.EventProduce)
	require.Len(t, produced, 2)
	assert.Contains(t, string(produced[0].Data), `"mediaType":"audio"`)
	assert.Contains(t, string(produced[1].Data), `"maxBitrate":900000`)
}

func TestLeaveOrder(t *testing.T) {
	h := newHarness(t)
	h.sess.SetLocalTracks(context.Background(), []core.LocalTrack{apptest.NewTrack("mic", domain.KindAudio)})
	require.NoError(t, h.sess.Join(context.Background()))

	h.sess.Leave()
	h.sess.Leave()

	assert.Equal(t, []string{
		"consumer:c-prod-7",
		"producer:prod-audio",
		"transport:send",
		"transport:recv",
		"signal",
	}, h.log.Entries())
	st := h.sess.State()
	assert.Equal(t, domain.StatusIdle, st.Status)
	assert.Equal(t, 0, st.Peers.Len())
	assert.Equal(t, 0, h.signal.Handlers(core.EventNewProducer))
	assert.ErrorIs(t, h.sess.Join(context.Background()), ErrSessionClosed)
}

func TestLeaveMidConsume(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Join(context.Background()))

	entered := make(chan struct{})
	release := make(chan struct{})
	h.signal.Handle(core.EventConsume, func(ctx context.Context, raw json.RawMessage) (any, error) {
		close(entered)
		<-release
		return consumeReply(ctx, raw)
	})
	h.signal.Emit(core.EventNewProducer, core.NewProducerEvent{ProducerID: "prod-late", PeerID: "p2"})
	<-entered

	left := make(chan struct{})
	go func() {
		h.sess.Leave()
		close(left)
	}()
	require.Eventually(t, h.signal.Closed, waitFor, tick)
	close(release)
	<-left

	st := h.sess.State()
	assert.Equal(t, domain.StatusIdle, st.Status)
	assert.Equal(t, 0, st.Peers.Len())
	assert.Len(t, h.signal.Calls(core.EventResumeConsumer), 1, "late consume never resumed")
}

func TestReconnectRejoins(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Join(context.Background()))

	h.signal.Emit(core.EventDisconnect, nil)
	assert.Equal(t, domain.StatusConnecting, h.sess.State().Status)

	h.signal.Emit(core.EventReconnect, nil)
	require.Eventually(t, func() bool {
		return len(h.signal.Calls(core.EventJoinRoom)) == 2 && h.sess.State().Status == domain.StatusConnected
	}, waitFor, tick)

	st := h.sess.State()
	assert.Equal(t, 1, streamLen(t, st, "p2"))
	assert.Equal(t, 1, h.device(t, 1).Loads())
	assert.Equal(t, []string{"consumer:c-prod-7", "transport:send", "transport:recv"}, h.log.Entries())
}

func TestReconnectFailedSetsError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sess.Join(context.Background()))

	h.signal.Emit(core.EventReconnectFailed, nil)

	st := h.sess.State()
	assert.Equal(t, domain.StatusError, st.Status)
	assert.Equal(t, ErrReconnectFailed.Error(), st.Err)
	assert.Equal(t, []string{"consumer:c-prod-7", "transport:send", "transport:recv"}, h.log.Entries())
}

func TestSubscribeSeesLatestState(t *testing.T) {
	h := newHarness(t)
	states, stop := h.sess.Subscribe()
	defer stop()

	first := <-states
	assert.Equal(t, domain.StatusIdle, first.Status)

	require.NoError(t, h.sess.Join(context.Background()))
	latest := <-states
	assert.Equal(t, domain.StatusConnected, latest.Status)
	assert.Equal(t, 1, streamLen(t, latest, "p2"))
}
