package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendQueue  int           `mapstructure:"send_queue"`
	RateLimit  RateLimit     `mapstructure:"rate_limit"`
	Peer       Peer          `mapstructure:"peer"`
}

// RateLimit bounds registrations per identity inside a sliding window.
type RateLimit struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

// Peer configures the client side: which room and role to take, where the
// rendezvous service lives and which local UDP ports carry media.
type Peer struct {
	Room        string        `mapstructure:"room"`
	Role        string        `mapstructure:"role"`
	Join        bool          `mapstructure:"join"`
	Rendezvous  string        `mapstructure:"rendezvous"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	AudioIn     string        `mapstructure:"audio_in"`
	VideoIn     string        `mapstructure:"video_in"`
	AudioOut    string        `mapstructure:"audio_out"`
	VideoOut    string        `mapstructure:"video_out"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"mode":         "mode",
	"port":         "port",
	"room":         "peer.room",
	"role":         "peer.role",
	"join":         "peer.join",
	"rendezvous":   "peer.rendezvous",
	"ice":          "peer.ice_servers",
	"audio-in":     "peer.audio_in",
	"video-in":     "peer.video_in",
	"audio-out":    "peer.audio_out",
	"video-out":    "peer.video_out",
	"metrics-addr": "peer.metrics_addr",
}

func ServerFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("mode", "release", "gin mode (debug, release)")
	fs.Int("port", 8080, "listen port")
	return fs
}

func ClientFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("room", "", "room identifier shared with the partner")
	fs.String("role", "", "host or guest; overrides --join")
	fs.Bool("join", false, "take the guest role")
	fs.String("rendezvous", "ws://127.0.0.1:8080/api/ws/rendezvous", "rendezvous websocket url")
	fs.StringSlice("ice", []string{"stun:stun.l.google.com:19302"}, "ICE server urls")
	fs.String("audio-in", "127.0.0.1:5004", "udp address receiving local opus rtp")
	fs.String("video-in", "127.0.0.1:5006", "udp address receiving local vp8 rtp")
	fs.String("audio-out", "127.0.0.1:6004", "udp address remote audio is forwarded to")
	fs.String("video-out", "127.0.0.1:6006", "udp address remote video is forwarded to")
	fs.String("metrics-addr", ":9100", "prometheus listen address, empty to disable")
	return fs
}

// Load reads config/config.<CONFIG_ENV>.yaml (or CONFIG_FILE), then
// AMBIENT_* environment variables, then any changed flag in fs.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "25s")
	v.SetDefault("send_queue", 32)
	v.SetDefault("rate_limit.limit", 5)
	v.SetDefault("rate_limit.interval", "10s")
	v.SetDefault("peer.room", "")
	v.SetDefault("peer.role", "")
	v.SetDefault("peer.join", false)
	v.SetDefault("peer.rendezvous", "ws://127.0.0.1:8080/api/ws/rendezvous")
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.dial_timeout", "10s")
	v.SetDefault("peer.audio_in", "127.0.0.1:5004")
	v.SetDefault("peer.video_in", "127.0.0.1:5006")
	v.SetDefault("peer.audio_out", "127.0.0.1:6004")
	v.SetDefault("peer.video_out", "127.0.0.1:6006")
	v.SetDefault("peer.metrics_addr", ":9100")

	v.SetEnvPrefix("AMBIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
