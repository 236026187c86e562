// Package rtc implements the media device and transports on pion/webrtc.
package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{DefaultSTUN}
	}
	return webrtc.Configuration{
		ICEServers:    []webrtc.ICEServer{{URLs: iceServers}},
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
}

// connection is the peer connection behind one transport. It runs the
// connect negotiation once and serialises offer/answer rounds.
type connection struct {
	id        domain.TransportID
	direction string
	pc        *webrtc.PeerConnection
	remote    core.TransportOptions
	local     core.DtlsParameters
	handler   core.TransportHandler

	negotiate sync.Mutex

	mu        sync.Mutex
	connected bool
	closed    bool
}

func newConnection(d *Device, direction string, opts core.TransportOptions, h core.TransportHandler) (*connection, error) {
	cfg := DefaultWebRTCConfig(d.opts.ICEServers)
	cfg.Certificates = []webrtc.Certificate{*d.cert}
	pc, err := d.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	c := &connection{
		id:        opts.ID,
		direction: direction,
		pc:        pc,
		remote:    opts,
		local:     core.DtlsParameters{Role: "client", Fingerprints: d.fingerprints},
		handler:   h,
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("transport", string(c.id)).Str("direction", direction).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("transport", string(c.id)).Str("direction", direction).Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	return c, nil
}

func (c *connection) ID() domain.TransportID { return c.id }

// ensureConnected sends the local DTLS parameters before the first negotiation.
func (c *connection) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTransportClosed
	}
	if c.connected {
		return nil
	}
	if err := c.handler.Connect(ctx, c.id, c.local); err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (c *connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("transport", string(c.id)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("transport", string(c.id)).Str("direction", c.direction).Msg("closed")
	return nil
}
