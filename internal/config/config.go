package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrNoSignallingURL = errors.New("config: no signalling_url or api_url")

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Step     time.Duration `mapstructure:"step"`
}

type ReconnectConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

type VideoConfig struct {
	MaxBitrate  uint64  `mapstructure:"max_bitrate"`
	ScaleDownBy float64 `mapstructure:"scale_down_by"`
}

type Config struct {
	LogLevel       string          `mapstructure:"log_level"`
	SignallingURL  string          `mapstructure:"signalling_url"`
	APIURL         string          `mapstructure:"api_url"`
	Room           string          `mapstructure:"room"`
	DisplayName    string          `mapstructure:"display_name"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout"`
	CallTimeout    time.Duration   `mapstructure:"call_timeout"`
	ConsumeTimeout time.Duration   `mapstructure:"consume_timeout"`
	Retry          RetryConfig     `mapstructure:"retry"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
	PingPeriod     time.Duration   `mapstructure:"ping_period"`
	ReadLimit      int64           `mapstructure:"read_limit"`
	ICEServers     []string        `mapstructure:"ice_servers"`
	Video          VideoConfig     `mapstructure:"video"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"log-level":      "log_level",
	"signalling-url": "signalling_url",
	"api-url":        "api_url",
	"room":           "room",
	"name":           "display_name",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("signalling_url", "")
	v.SetDefault("api_url", "")
	v.SetDefault("room", "")
	v.SetDefault("display_name", "")
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("call_timeout", "10s")
	v.SetDefault("consume_timeout", "30s")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.step", "1s")
	v.SetDefault("reconnect.attempts", 5)
	v.SetDefault("reconnect.min_backoff", "500ms")
	v.SetDefault("reconnect.max_backoff", "5s")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("video.max_bitrate", 900000)
	v.SetDefault("video.scale_down_by", 1)
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Flags that
// were set on the command line win over the file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("ROOMCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Fprintf(os.Stderr, "✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Fprintf(os.Stderr, "🧩 Room: %s | Name: %s | Signalling: %s\n", cfg.Room, cfg.DisplayName, cfg.SignallingURL)
	return &cfg, nil
}

// ResolveSignallingURL prefers signalling_url and falls back to api_url.
// http(s) schemes are mapped to ws(s).
func (c *Config) ResolveSignallingURL() (string, error) {
	raw := c.SignallingURL
	if raw == "" {
		raw = c.APIURL
	}
	if raw == "" {
		return "", ErrNoSignallingURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("config: signalling url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("config: signalling url %q: unsupported scheme", raw)
	}
	return u.String(), nil
}
