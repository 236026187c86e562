package core

import (
	"context"

	"github.com/dkeye/roomclient/internal/domain"
)

// LocalTrack is a captured media track that can be sent to the server.
type LocalTrack interface {
	ID() string
	Kind() domain.MediaKind
	// OnEnded registers fn to run once when the track stops producing media.
	OnEnded(fn func())
	Stop()
}

// RemoteTrack is a decoded track received on behalf of a remote peer.
type RemoteTrack interface {
	ID() string
	Kind() domain.MediaKind
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Track() LocalTrack
	// ReplaceTrack swaps the sent track without renegotiating.
	ReplaceTrack(track LocalTrack) error
	Close() error
	Closed() bool
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	Track() RemoteTrack
	Close() error
	Closed() bool
}

// ProduceParameters is what a send transport negotiates for a new producer.
type ProduceParameters struct {
	Kind          domain.MediaKind
	RtpParameters RtpParameters
	AppData       map[string]any
}

// TransportHandler bridges transport-internal negotiation to the signaling server.
type TransportHandler interface {
	Connect(ctx context.Context, id domain.TransportID, dtls DtlsParameters) error
	Produce(ctx context.Context, id domain.TransportID, p ProduceParameters) (domain.ProducerID, error)
}

type Transport interface {
	ID() domain.TransportID
	// Close should stop all underlying media resources.
	Close() error
	Closed() bool
}

type ProducerOptions struct {
	Encodings []RtpEncodingParameters
	AppData   map[string]any
}

type SendTransport interface {
	Transport
	Produce(ctx context.Context, track LocalTrack, opts ProducerOptions) (Producer, error)
}

type RecvTransport interface {
	Transport
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
}

// Device is the local media engine loaded with the router capabilities.
type Device interface {
	Load(router RtpCapabilities) error
	Loaded() bool
	// RtpCapabilities returns the local capabilities; valid after Load.
	RtpCapabilities() RtpCapabilities
	CanProduce(kind domain.MediaKind) bool
	CreateSendTransport(opts TransportOptions, h TransportHandler) (SendTransport, error)
	CreateRecvTransport(opts TransportOptions, h TransportHandler) (RecvTransport, error)
}
