package domain

import (
	"errors"
	"strings"
)

const (
	MaxDisplayNameLen  = 36
	DefaultDisplayName = "Guest"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

// PeerInfo is a room member as announced by the server.
type PeerInfo struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// NormalizeDisplayName trims the name and enforces the length limit.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return "", ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
