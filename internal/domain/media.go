package domain

import "fmt"

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case KindAudio, KindVideo:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}

func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}
