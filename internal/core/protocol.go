package core

import "github.com/dkeye/roomclient/internal/domain"

// Signaling events.
const (
	EventJoinRoom                 = "join-room"
	EventNewPeer                  = "new-peer"
	EventPeerLeft                 = "peer-left"
	EventNewProducer              = "new-producer"
	EventGetRouterRtpCapabilities = "get-router-rtp-capabilities"
	EventCreateWebRtcTransport    = "create-webrtc-transport"
	EventConnectTransport         = "connect-transport"
	EventProduce                  = "produce"
	EventConsume                  = "consume"
	EventResumeConsumer           = "resume-consumer"
)

// Channel lifecycle pseudo-events, dispatched like server pushes.
const (
	EventDisconnect      = "disconnect"
	EventReconnect       = "reconnect"
	EventReconnectFailed = "reconnect_failed"
)

const (
	DirectionSend = "send"
	DirectionRecv = "recv"
)

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        domain.MediaKind `json:"kind,omitempty"`
	URI         string           `json:"uri"`
	PreferredID int              `json:"preferredId,omitempty"`
	Direction   string           `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RtpEncodingParameters struct {
	SSRC                  uint32  `json:"ssrc,omitempty"`
	RID                   string  `json:"rid,omitempty"`
	MaxBitrate            uint64  `json:"maxBitrate,omitempty"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
}

type RtcpParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportOptions is the server's create-webrtc-transport response.
type TransportOptions struct {
	ID             domain.TransportID `json:"id"`
	IceParameters  IceParameters      `json:"iceParameters"`
	IceCandidates  []IceCandidate     `json:"iceCandidates"`
	DtlsParameters DtlsParameters     `json:"dtlsParameters"`
}

// ConsumerOptions is the server's consume response.
type ConsumerOptions struct {
	ID            domain.ConsumerID `json:"id"`
	ProducerID    domain.ProducerID `json:"producerId"`
	Kind          domain.MediaKind  `json:"kind"`
	RtpParameters RtpParameters     `json:"rtpParameters"`
}

type JoinRoomRequest struct {
	RoomID      domain.RoomID `json:"roomId"`
	DisplayName string        `json:"displayName"`
}

// PublicationInfo is a remote producer as listed in the join snapshot.
type PublicationInfo struct {
	ID   domain.ProducerID `json:"id"`
	Kind domain.MediaKind  `json:"kind,omitempty"`
}

type RoomPeer struct {
	domain.PeerInfo
	Producers []PublicationInfo `json:"producers,omitempty"`
}

type JoinRoomResponse struct {
	PeerID          domain.PeerID    `json:"peerId"`
	Peers           []RoomPeer       `json:"peers"`
	RtpCapabilities *RtpCapabilities `json:"rtpCapabilities,omitempty"`
}

type NewPeerEvent struct {
	Peer domain.PeerInfo `json:"peer"`
}

type PeerLeftEvent struct {
	PeerID domain.PeerID `json:"peerId"`
}

type NewProducerEvent struct {
	ProducerID domain.ProducerID `json:"producerId"`
	PeerID     domain.PeerID     `json:"peerId"`
	Kind       domain.MediaKind  `json:"kind,omitempty"`
}

type RouterCapabilitiesResponse struct {
	RtpCapabilities *RtpCapabilities `json:"rtpCapabilities"`
}

type CreateTransportRequest struct {
	Direction string `json:"direction"`
}

type ConnectTransportRequest struct {
	TransportID    domain.TransportID `json:"transportId"`
	DtlsParameters DtlsParameters     `json:"dtlsParameters"`
}

type ProduceRequest struct {
	TransportID   domain.TransportID `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	RtpParameters RtpParameters      `json:"rtpParameters"`
	AppData       map[string]any     `json:"appData,omitempty"`
}

type ProduceResponse struct {
	ID domain.ProducerID `json:"id"`
}

type ConsumeRequest struct {
	TransportID     domain.TransportID `json:"transportId"`
	ProducerID      domain.ProducerID  `json:"producerId"`
	RtpCapabilities RtpCapabilities    `json:"rtpCapabilities"`
}

type ResumeConsumerRequest struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}
