package rtc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Recorder writes every received track to <dir>/<peer>-<consumer>.<ext>:
// Opus to Ogg and VP8 to IVF.
type Recorder struct {
	dir string

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	recorded map[string]struct{}
}

func NewRecorder(ctx context.Context, dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Recorder{dir: dir, ctx: ctx, cancel: cancel, recorded: make(map[string]struct{})}, nil
}

// Record starts recording track once. Tracks not built by this package are ignored.
func (r *Recorder) Record(peer domain.PeerID, track core.RemoteTrack) {
	rt, ok := track.(*RemoteTrack)
	if !ok {
		return
	}
	r.mu.Lock()
	if _, ok := r.recorded[rt.ID()]; ok {
		r.mu.Unlock()
		return
	}
	r.recorded[rt.ID()] = struct{}{}
	r.mu.Unlock()

	logger := log.With().
		Str("module", "recorder").
		Str("peer", string(peer)).
		Str("consumer", rt.ID()).
		Logger()
	r.wg.Go(func() { r.record(peer, rt, &logger) })
}

func (r *Recorder) record(peer domain.PeerID, rt *RemoteTrack, logger *zerolog.Logger) {
	remote, err := rt.Wait(r.ctx)
	if err != nil {
		logger.Info().Err(err).Msg("no media received")
		return
	}
	w, path, err := r.open(peer, rt.ID(), remote.Codec())
	if err != nil {
		logger.Warn().Err(err).Msg("not recording")
		return
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error().Err(err).Msg("close recording")
		}
	}()
	logger.Info().Str("file", path).Msg("recording")
	r.loop(rt, remote, w, logger)
}

// loop copies RTP packets until the track, the consumer or the recorder stops.
func (r *Recorder) loop(rt *RemoteTrack, remote *webrtc.TrackRemote, w rtpWriter, logger *zerolog.Logger) {
	for {
		select {
		case <-r.ctx.Done():
			logger.Info().Msg("recorder ctx done")
			return
		case <-rt.Done():
			logger.Info().Msg("consumer closed")
			return
		default:
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("read RTP stopped")
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("write RTP error, stopping")
			return
		}
	}
}

func (r *Recorder) open(peer domain.PeerID, id string, codec webrtc.RTPCodecParameters) (rtpWriter, string, error) {
	base := filepath.Join(r.dir, fmt.Sprintf("%s-%s", peer, id))
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		path := base + ".ogg"
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		return w, path, err
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path := base + ".ivf"
		w, err := ivfwriter.New(path)
		return w, path, err
	default:
		return nil, "", fmt.Errorf("rtc: no recorder for %s", codec.MimeType)
	}
}

// Close stops all recordings and waits for the files to be closed.
func (r *Recorder) Close() {
	r.cancel()
	r.wg.Wait()
}
