// Package sfu holds the per-join media collaborators of a room session:
// capability negotiation, the transport pair, publishing and subscribing.
package sfu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCapabilities = errors.New("sfu: invalid router rtp capabilities")
	ErrNotLoaded           = errors.New("sfu: device not loaded")
)

// Negotiator loads the device with the router capabilities, once per join.
type Negotiator struct {
	signal  core.SignalChannel
	device  core.Device
	timeout time.Duration
}

func NewNegotiator(signal core.SignalChannel, device core.Device, timeout time.Duration) *Negotiator {
	return &Negotiator{signal: signal, device: device, timeout: timeout}
}

// Load validates router and loads the device with it. A nil router is
// fetched with get-router-rtp-capabilities first. It returns the local
// capabilities used for consuming.
func (n *Negotiator) Load(ctx context.Context, router *core.RtpCapabilities) (core.RtpCapabilities, error) {
	if router == nil {
		var resp core.RouterCapabilitiesResponse
		if err := n.signal.Call(ctx, core.EventGetRouterRtpCapabilities, struct{}{}, &resp, n.timeout); err != nil {
			return core.RtpCapabilities{}, fmt.Errorf("sfu: fetch router capabilities: %w", err)
		}
		router = resp.RtpCapabilities
	}
	if router == nil {
		return core.RtpCapabilities{}, fmt.Errorf("%w: absent", ErrInvalidCapabilities)
	}
	if err := ValidateCapabilities(*router); err != nil {
		return core.RtpCapabilities{}, err
	}
	if err := n.device.Load(*router); err != nil {
		return core.RtpCapabilities{}, fmt.Errorf("sfu: load device: %w", err)
	}
	caps := n.device.RtpCapabilities()
	log.Info().Str("module", "sfu.negotiator").Int("codecs", len(caps.Codecs)).Msg("device loaded")
	return caps, nil
}

// ValidateCapabilities rejects malformed router capabilities. There is no
// fallback codec set.
func ValidateCapabilities(c core.RtpCapabilities) error {
	if len(c.Codecs) == 0 {
		return fmt.Errorf("%w: no codecs", ErrInvalidCapabilities)
	}
	for i, codec := range c.Codecs {
		if !codec.Kind.Valid() {
			return fmt.Errorf("%w: codec %d: kind %q", ErrInvalidCapabilities, i, codec.Kind)
		}
		typ, sub, ok := strings.Cut(codec.MimeType, "/")
		if !ok || typ == "" || sub == "" {
			return fmt.Errorf("%w: codec %d: mime type %q", ErrInvalidCapabilities, i, codec.MimeType)
		}
		if !strings.EqualFold(typ, string(codec.Kind)) {
			return fmt.Errorf("%w: codec %d: mime type %q does not match kind %s", ErrInvalidCapabilities, i, codec.MimeType, codec.Kind)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("%w: codec %d: clock rate", ErrInvalidCapabilities, i)
		}
	}
	return nil
}
