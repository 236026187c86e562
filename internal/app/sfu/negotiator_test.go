package sfu

import (
	"context"
	"testing"

	"github.com/dkeye/roomclient/internal/app/apptest"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCapabilities(t *testing.T) {
	require.NoError(t, ValidateCapabilities(apptest.Capabilities()))

	cases := map[string]core.RtpCapabilities{
		"no codecs":  {},
		"bad kind":   {Codecs: []core.RtpCodecCapability{{Kind: "data", MimeType: "data/x", ClockRate: 1}}},
		"bare mime":  {Codecs: []core.RtpCodecCapability{{Kind: domain.KindAudio, MimeType: "opus", ClockRate: 48000}}},
		"kind clash": {Codecs: []core.RtpCodecCapability{{Kind: domain.KindAudio, MimeType: "video/VP8", ClockRate: 90000}}},
		"no clock":   {Codecs: []core.RtpCodecCapability{{Kind: domain.KindVideo, MimeType: "video/VP8"}}},
	}
	for name, caps := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateCapabilities(caps), ErrInvalidCapabilities)
		})
	}
}

func TestNegotiatorLoadsFromJoinAck(t *testing.T) {
	log := apptest.NewLog()
	sig := apptest.NewSignal(log)
	dev := apptest.NewDevice(log)
	n := NewNegotiator(sig, dev, testTimeout)

	router := apptest.Capabilities()
	caps, err := n.Load(context.Background(), &router)
	require.NoError(t, err)
	assert.Len(t, caps.Codecs, 2)
	assert.Empty(t, sig.Calls(core.EventGetRouterRtpCapabilities))

	_, err = n.Load(context.Background(), &router)
	assert.Error(t, err, "loading twice")
}

func TestNegotiatorFetchesMissingCapabilities(t *testing.T) {
	log := apptest.NewLog()
	sig := apptest.NewSignal(log)
	dev := apptest.NewDevice(log)
	caps := apptest.Capabilities()
	sig.Reply(core.EventGetRouterRtpCapabilities, core.RouterCapabilitiesResponse{RtpCapabilities: &caps})

	_, err := NewNegotiator(sig, dev, testTimeout).Load(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, sig.Calls(core.EventGetRouterRtpCapabilities), 1)
	assert.True(t, dev.Loaded())
}

func TestNegotiatorRejectsAbsentCapabilities(t *testing.T) {
	log := apptest.NewLog()
	sig := apptest.NewSignal(log)
	dev := apptest.NewDevice(log)
	sig.Reply(core.EventGetRouterRtpCapabilities, core.RouterCapabilitiesResponse{})

	_, err := NewNegotiator(sig, dev, testTimeout).Load(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidCapabilities)
	assert.Equal(t, 0, dev.Loads())
}
