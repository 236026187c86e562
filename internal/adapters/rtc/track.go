package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

var ErrTrackEnded = errors.New("rtc: track ended")

// RemoteTrack resolves to the pion track once the server starts sending.
type RemoteTrack struct {
	id   string
	kind domain.MediaKind

	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once
	remote    *webrtc.TrackRemote
}

func newRemoteTrack(id string, kind domain.MediaKind) *RemoteTrack {
	return &RemoteTrack{id: id, kind: kind, ready: make(chan struct{}), done: make(chan struct{})}
}

func (t *RemoteTrack) ID() string             { return t.id }
func (t *RemoteTrack) Kind() domain.MediaKind { return t.kind }

func (t *RemoteTrack) resolve(tr *webrtc.TrackRemote) {
	t.readyOnce.Do(func() {
		t.remote = tr
		close(t.ready)
	})
}

func (t *RemoteTrack) end() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Wait blocks until media arrives, the consumer closes or ctx is done.
func (t *RemoteTrack) Wait(ctx context.Context) (*webrtc.TrackRemote, error) {
	select {
	case <-t.ready:
		return t.remote, nil
	case <-t.done:
		return nil, ErrTrackEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the consumer of the track closes.
func (t *RemoteTrack) Done() <-chan struct{} { return t.done }

const oggPageDuration = 20 * time.Millisecond

// FileTrack plays an IVF (VP8, VP9, AV1) or Ogg Opus file as a local track.
type FileTrack struct {
	id    string
	kind  domain.MediaKind
	path  string
	local *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	ended    []func()
	stop     chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once
}

var _ PionTrack = (*FileTrack)(nil)

func ivfMime(fourcc string) (string, error) {
	switch fourcc {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("rtc: unsupported ivf fourcc %q", fourcc)
	}
}

// OpenFileTrack inspects path and prepares a track for it. Playback starts
// with Start.
func OpenFileTrack(path string) (*FileTrack, error) {
	var (
		kind domain.MediaKind
		mime string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ivf":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		_, header, err := ivfreader.NewWith(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("rtc: %s: %w", path, err)
		}
		if mime, err = ivfMime(header.FourCC); err != nil {
			return nil, err
		}
		kind = domain.KindVideo
	case ".ogg", ".opus":
		kind, mime = domain.KindAudio, webrtc.MimeTypeOpus
	default:
		return nil, fmt.Errorf("rtc: %s: unsupported file type", path)
	}

	id := uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "roomclient-"+string(kind))
	if err != nil {
		return nil, err
	}
	return &FileTrack{id: id, kind: kind, path: path, local: local, stop: make(chan struct{})}, nil
}

func (t *FileTrack) ID() string                    { return t.id }
func (t *FileTrack) Kind() domain.MediaKind        { return t.kind }
func (t *FileTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *FileTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended = append(t.ended, fn)
}

func (t *FileTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *FileTrack) fireEnded() {
	t.endOnce.Do(func() {
		t.mu.Lock()
		fns := t.ended
		t.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// Start plays the file in a goroutine. The ended observers run once when
// the file is exhausted, the track is stopped or ctx is done.
func (t *FileTrack) Start(ctx context.Context) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	play := t.playOgg
	if t.kind == domain.KindVideo {
		play = t.playIVF
	}
	go func() {
		defer f.Close()
		defer t.fireEnded()
		err := play(ctx, f)
		switch {
		case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			log.Info().Str("module", "rtc.track").Str("track", t.id).Str("file", t.path).Msg("playback finished")
		default:
			log.Error().Err(err).Str("module", "rtc.track").Str("track", t.id).Str("file", t.path).Msg("playback failed")
		}
	}()
	return nil
}

func (t *FileTrack) wait(ctx context.Context, ticker *time.Ticker) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stop:
		return nil
	case <-ticker.C:
		return nil
	}
}

func (t *FileTrack) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *FileTrack) playIVF(ctx context.Context, r io.Reader) error {
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}
	frame := time.Duration(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator)*1000) * time.Millisecond
	if frame <= 0 {
		frame = 33 * time.Millisecond
	}
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	for {
		if err := t.wait(ctx, ticker); err != nil || t.stopped() {
			return err
		}
		data, _, err := reader.ParseNextFrame()
		if err != nil {
			return err
		}
		if err := t.local.WriteSample(media.Sample{Data: data, Duration: frame}); err != nil {
			return err
		}
	}
}

func (t *FileTrack) playOgg(ctx context.Context, r io.Reader) error {
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	var lastGranule uint64
	for {
		if err := t.wait(ctx, ticker); err != nil || t.stopped() {
			return err
		}
		page, header, err := reader.ParseNextPage()
		if err != nil {
			return err
		}
		samples := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration(samples/48000*1000) * time.Millisecond
		if err := t.local.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}
