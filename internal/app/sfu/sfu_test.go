package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/apptest"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/stretchr/testify/require"
)

const testTimeout = time.Second

func noDelay() app.RetryPolicy {
	p := app.DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

// scriptTransports answers create-webrtc-transport with "t-<direction>",
// connect-transport with ok and produce with "prod-<kind>".
func scriptTransports(sig *apptest.Signal) {
	sig.Handle(core.EventCreateWebRtcTransport, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req core.CreateTransportRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return core.TransportOptions{
			ID:             domain.TransportID("t-" + req.Direction),
			IceParameters:  core.IceParameters{UsernameFragment: "u", Password: "p", IceLite: true},
			DtlsParameters: core.DtlsParameters{Role: "auto", Fingerprints: []core.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}}},
		}, nil
	})
	sig.Reply(core.EventConnectTransport, struct{}{})
	sig.Handle(core.EventProduce, func(_ context.Context, raw json.RawMessage) (any, error) {
		var req core.ProduceRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		return core.ProduceResponse{ID: domain.ProducerID("prod-" + string(req.Kind))}, nil
	})
}

type fixture struct {
	log    *apptest.Log
	signal *apptest.Signal
	device *apptest.Device
	pair   *TransportPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := apptest.NewLog()
	f := &fixture{
		log:    log,
		signal: apptest.NewSignal(log),
		device: apptest.NewDevice(log),
	}
	scriptTransports(f.signal)
	require.NoError(t, f.device.Load(apptest.Capabilities()))
	f.pair = NewTransportPair(f.signal, testTimeout)
	require.NoError(t, f.pair.Create(context.Background(), f.device))
	return f
}

var errBoom = errors.New("boom")
