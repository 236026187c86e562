package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportsExist = errors.New("sfu: transports already created")
	ErrNoSendTransport = errors.New("sfu: no send transport")
	ErrPairClosed      = errors.New("sfu: transport pair closed")
)

// transportBridge forwards transport negotiation to the signaling server.
type transportBridge struct {
	signal    core.SignalChannel
	direction string
	timeout   time.Duration
}

var _ core.TransportHandler = (*transportBridge)(nil)

func (b *transportBridge) Connect(ctx context.Context, id domain.TransportID, dtls core.DtlsParameters) error {
	req := core.ConnectTransportRequest{TransportID: id, DtlsParameters: dtls}
	if err := b.signal.Call(ctx, core.EventConnectTransport, req, nil, b.timeout); err != nil {
		log.Error().Err(err).Str("module", "sfu.transport").Str("transport", string(id)).Str("direction", b.direction).Msg("connect-transport failed")
		return fmt.Errorf("sfu: connect %s transport: %w", b.direction, err)
	}
	return nil
}

func (b *transportBridge) Produce(ctx context.Context, id domain.TransportID, p core.ProduceParameters) (domain.ProducerID, error) {
	req := core.ProduceRequest{
		TransportID:   id,
		Kind:          p.Kind,
		RtpParameters: p.RtpParameters,
		AppData:       p.AppData,
	}
	var resp core.ProduceResponse
	if err := b.signal.Call(ctx, core.EventProduce, req, &resp, b.timeout); err != nil {
		return "", fmt.Errorf("sfu: produce %s: %w", p.Kind, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("sfu: produce %s: empty producer id", p.Kind)
	}
	return resp.ID, nil
}

// TransportPair owns the send and recv transport of one join.
type TransportPair struct {
	signal  core.SignalChannel
	timeout time.Duration

	mu      sync.Mutex
	created bool
	closed  bool
	send    core.SendTransport
	recv    core.RecvTransport
}

func NewTransportPair(signal core.SignalChannel, timeout time.Duration) *TransportPair {
	return &TransportPair{signal: signal, timeout: timeout}
}

// Create asks the server for both transports and builds them on device.
// It succeeds at most once.
func (tp *TransportPair) Create(ctx context.Context, device core.Device) error {
	tp.mu.Lock()
	exists := tp.created
	tp.created = true
	tp.mu.Unlock()
	if exists {
		return ErrTransportsExist
	}

	sendOpts, err := tp.request(ctx, core.DirectionSend)
	if err != nil {
		return err
	}
	send, err := device.CreateSendTransport(sendOpts, tp.bridge(core.DirectionSend))
	if err != nil {
		return fmt.Errorf("sfu: create send transport: %w", err)
	}

	recvOpts, err := tp.request(ctx, core.DirectionRecv)
	if err != nil {
		closeTransport(send)
		return err
	}
	recv, err := device.CreateRecvTransport(recvOpts, tp.bridge(core.DirectionRecv))
	if err != nil {
		closeTransport(send)
		return fmt.Errorf("sfu: create recv transport: %w", err)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.closed {
		closeTransport(send)
		closeTransport(recv)
		return ErrPairClosed
	}
	tp.send, tp.recv = send, recv
	log.Info().Str("module", "sfu.transport").Str("send", string(send.ID())).Str("recv", string(recv.ID())).Msg("transports created")
	return nil
}

func (tp *TransportPair) request(ctx context.Context, direction string) (core.TransportOptions, error) {
	var opts core.TransportOptions
	req := core.CreateTransportRequest{Direction: direction}
	if err := tp.signal.Call(ctx, core.EventCreateWebRtcTransport, req, &opts, tp.timeout); err != nil {
		return opts, fmt.Errorf("sfu: create-webrtc-transport %s: %w", direction, err)
	}
	if opts.ID == "" {
		return opts, fmt.Errorf("sfu: create-webrtc-transport %s: empty transport id", direction)
	}
	return opts, nil
}

func (tp *TransportPair) bridge(direction string) *transportBridge {
	return &transportBridge{signal: tp.signal, direction: direction, timeout: tp.timeout}
}

func (tp *TransportPair) Send() core.SendTransport {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.send
}

func (tp *TransportPair) Recv() core.RecvTransport {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.recv
}

// Close closes the send transport, then the recv transport.
func (tp *TransportPair) Close() {
	tp.mu.Lock()
	send, recv := tp.send, tp.recv
	tp.send, tp.recv = nil, nil
	tp.closed = true
	tp.mu.Unlock()

	if send != nil {
		closeTransport(send)
	}
	if recv != nil {
		closeTransport(recv)
	}
}

func closeTransport(t core.Transport) {
	if err := t.Close(); err != nil {
		log.Warn().Err(err).Str("module", "sfu.transport").Str("transport", string(t.ID())).Msg("close error")
	}
}
