package main

import (
	"context"
	"errors"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/dkeye/roomclient/internal/adapters/rtc"
	"github.com/dkeye/roomclient/internal/adapters/signal"
	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/orch"
	"github.com/dkeye/roomclient/internal/config"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var errNoRoom = errors.New("no room given, use --room or config room")

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room, publish media files and record what others send",
	Args:  cobra.NoArgs,
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().String("room", "", "room id")
	joinCmd.Flags().String("name", "", "display name")
	joinCmd.Flags().String("audio", "", "Ogg Opus file to publish")
	joinCmd.Flags().String("video", "", "IVF file to publish")
	joinCmd.Flags().String("record-dir", "", "directory for received media")
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	if cfg.Room == "" {
		return errNoRoom
	}
	url, err := cfg.ResolveSignallingURL()
	if err != nil {
		return err
	}
	name := domain.DefaultDisplayName
	if cfg.DisplayName != "" {
		if name, err = domain.NormalizeDisplayName(cfg.DisplayName); err != nil {
			return err
		}
	}

	ctx, stop := ossignal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch := signal.NewChannel(signal.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		CallTimeout:    cfg.CallTimeout,
		PingPeriod:     cfg.PingPeriod,
		ReadLimit:      cfg.ReadLimit,
		Reconnect: signal.ReconnectPolicy{
			Attempts:   cfg.Reconnect.Attempts,
			MinBackoff: cfg.Reconnect.MinBackoff,
			MaxBackoff: cfg.Reconnect.MaxBackoff,
		},
	})
	sess := orch.New(orch.Config{
		URL:            url,
		Room:           domain.RoomID(cfg.Room),
		DisplayName:    name,
		CallTimeout:    cfg.CallTimeout,
		ConsumeTimeout: cfg.ConsumeTimeout,
		Retry:          app.RetryPolicy{Retries: cfg.Retry.Attempts, Step: cfg.Retry.Step},
		VideoEncoding: core.RtpEncodingParameters{
			MaxBitrate:            cfg.Video.MaxBitrate,
			ScaleResolutionDownBy: cfg.Video.ScaleDownBy,
		},
	}, ch, func() (core.Device, error) {
		return rtc.NewDevice(rtc.Options{ICEServers: cfg.ICEServers}), nil
	})
	var rec *rtc.Recorder
	defer func() {
		// Leave closes the transports first so the recorder read loops return.
		sess.Leave()
		if rec != nil {
			rec.Close()
		}
	}()

	tracks, err := openTracks(ctx, cmd)
	if err != nil {
		return err
	}
	sess.SetLocalTracks(ctx, tracks)

	if dir, _ := cmd.Flags().GetString("record-dir"); dir != "" {
		if rec, err = rtc.NewRecorder(ctx, dir); err != nil {
			return err
		}
	}
	go watch(ctx, stop, sess, rec)

	if err := sess.Join(ctx); err != nil {
		return err
	}
	st := sess.State()
	log.Info().Str("module", "cli").Str("room", cfg.Room).Str("peer", string(st.PeerID)).Int("peers", st.Peers.Len()).Msg("joined, press Ctrl+C to leave")

	<-ctx.Done()
	log.Info().Str("module", "cli").Msg("leaving")
	return nil
}

func openTracks(ctx context.Context, cmd *cobra.Command) ([]core.LocalTrack, error) {
	var tracks []core.LocalTrack
	for _, flag := range []string{"audio", "video"} {
		path, _ := cmd.Flags().GetString(flag)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		t, err := rtc.OpenFileTrack(path)
		if err != nil {
			return nil, err
		}
		if err := t.Start(ctx); err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// watch records the stream tracks of every peer as they appear and stops
// the command when the session fails.
func watch(ctx context.Context, stop context.CancelFunc, sess *orch.Session, rec *rtc.Recorder) {
	states, cancel := sess.Subscribe()
	defer cancel()
	var last *app.Directory
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			if st.Status == domain.StatusError {
				log.Error().Str("module", "cli").Str("error", st.Err).Msg("session failed")
				stop()
				return
			}
			if rec == nil || st.Peers == last {
				continue
			}
			last = st.Peers
			for _, p := range st.Peers.Peers() {
				for _, t := range p.Stream().Tracks() {
					rec.Record(p.ID, t)
				}
			}
		}
	}
}
