// Package domain contains entity without logic, just meta-data
package domain

type (
	RoomID      string
	PeerID      string
	ProducerID  string
	ConsumerID  string
	TransportID string
)

// Status is the connection status of a room session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
