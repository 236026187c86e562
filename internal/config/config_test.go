package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConsumeTimeout)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.Step)
	assert.Equal(t, 5, cfg.Reconnect.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.MinBackoff)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	assert.Equal(t, uint64(900000), cfg.Video.MaxBitrate)
	assert.Equal(t, float64(1), cfg.Video.ScaleDownBy)
}

func TestLoadFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(`
room: from-file
display_name: FileName
call_timeout: 2s
retry:
  attempts: 1
`), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", "test")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("room", "", "")
	flags.String("name", "", "")
	require.NoError(t, flags.Parse([]string{"--room", "r1"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "r1", cfg.Room, "flag wins over file")
	assert.Equal(t, "FileName", cfg.DisplayName, "unset flag keeps file value")
	assert.Equal(t, 2*time.Second, cfg.CallTimeout)
	assert.Equal(t, 1, cfg.Retry.Attempts)
	assert.Equal(t, time.Second, cfg.Retry.Step)
}

func TestResolveSignallingURL(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr error
		anyErr  bool
	}{
		{name: "signalling url wins", cfg: Config{SignallingURL: "wss://sfu.example/ws", APIURL: "http://api"}, want: "wss://sfu.example/ws"},
		{name: "api url fallback", cfg: Config{APIURL: "http://localhost:3001"}, want: "ws://localhost:3001"},
		{name: "https mapped", cfg: Config{SignallingURL: "https://sfu.example/socket"}, want: "wss://sfu.example/socket"},
		{name: "missing", cfg: Config{}, wantErr: ErrNoSignallingURL},
		{name: "bad scheme", cfg: Config{SignallingURL: "ftp://x"}, anyErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.cfg.ResolveSignallingURL()
			switch {
			case tc.wantErr != nil:
				assert.ErrorIs(t, err, tc.wantErr)
			case tc.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}
		})
	}
}
