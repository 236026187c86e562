package rtc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/roomclient/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenFileTrackDetectsType(t *testing.T) {
	dir := t.TempDir()

	ogg := filepath.Join(dir, "voice.ogg")
	require.NoError(t, os.WriteFile(ogg, nil, 0o644))
	track, err := OpenFileTrack(ogg)
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, track.Kind())
	assert.NotEmpty(t, track.ID())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, track.TrackLocal().Kind())

	_, err = OpenFileTrack(filepath.Join(dir, "clip.mp4"))
	assert.Error(t, err)

	_, err = OpenFileTrack(filepath.Join(dir, "missing.ivf"))
	assert.Error(t, err)
}

func TestIVFMime(t *testing.T) {
	mime, err := ivfMime("VP80")
	require.NoError(t, err)
	assert.Equal(t, webrtc.MimeTypeVP8, mime)
	_, err = ivfMime("H265")
	assert.Error(t, err)
}

func TestFileTrackStopFiresEndedOnce(t *testing.T) {
	dir := t.TempDir()
	ogg := filepath.Join(dir, "voice.ogg")
	require.NoError(t, os.WriteFile(ogg, nil, 0o644))
	track, err := OpenFileTrack(ogg)
	require.NoError(t, err)

	ended := make(chan struct{}, 2)
	track.OnEnded(func() { ended <- struct{}{} })
	require.NoError(t, track.Start(context.Background()))
	track.Stop()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("ended not fired")
	}
	track.Stop()
	assert.Never(t, func() bool { return len(ended) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRemoteTrackWait(t *testing.T) {
	rt := newRemoteTrack("c1", domain.KindVideo)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := rt.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rt.end()
	rt.end()
	_, err = rt.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTrackEnded)
	select {
	case <-rt.Done():
	default:
		t.Fatal("done not closed")
	}
}

type foreignTrack struct{}

func (foreignTrack) ID() string             { return "x" }
func (foreignTrack) Kind() domain.MediaKind { return domain.KindAudio }

func TestRecorderSkipsEndedAndForeignTracks(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	rec, err := NewRecorder(context.Background(), dir)
	require.NoError(t, err)

	ended := newRemoteTrack("c1", domain.KindAudio)
	ended.end()
	rec.Record("p1", ended)
	rec.Record("p1", ended)
	rec.Record("p1", foreignTrack{})

	waiting := newRemoteTrack("c2", domain.KindVideo)
	rec.Record("p2", waiting)

	rec.Close()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
