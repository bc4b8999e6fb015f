package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Role      string          `mapstructure:"role"`
	Log       LogConfig       `mapstructure:"log"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc"`
	Status    StatusConfig    `mapstructure:"status"`
	Publish   PublishConfig   `mapstructure:"publish"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type SignalConfig struct {
	URL          string        `mapstructure:"url"`
	Host         string        `mapstructure:"host"`
	Path         string        `mapstructure:"path"`
	TLS          bool          `mapstructure:"tls"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type ProtocolConfig struct {
	// Dialect is "channel" or "stream".
	Dialect string `mapstructure:"dialect"`
	// FrameTagging is "metadata" or "prefixed".
	FrameTagging string `mapstructure:"frame_tagging"`
	// StrictFrameSize drops frames whose length differs from frameSize.
	StrictFrameSize bool `mapstructure:"strict_frame_size"`
}

type PolicyConfig struct {
	AutoJoin         string        `mapstructure:"auto_join"`
	Channels         []string      `mapstructure:"channels"`
	MaxSubscriptions int           `mapstructure:"max_subscriptions"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval"`
	ViewerOffers     bool          `mapstructure:"viewer_offers"`
	RetryLimit       int           `mapstructure:"retry_limit"`
	RetryWindow      time.Duration `mapstructure:"retry_window"`
}

type ReconnectConfig struct {
	Policy          string        `mapstructure:"policy"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

type WebRTCConfig struct {
	STUNServers []string `mapstructure:"stun_servers"`
	TURNServer  string   `mapstructure:"turn_server"`
	TURNUser    string   `mapstructure:"turn_user"`
	TURNPass    string   `mapstructure:"turn_pass"`
	ForceRelay  bool     `mapstructure:"force_relay"`
}

type StatusConfig struct {
	// Addr of the status API; empty disables it.
	Addr string `mapstructure:"addr"`
}

type PublishConfig struct {
	Metadata     map[string]any `mapstructure:"metadata"`
	RestreamFrom string         `mapstructure:"restream_from"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("role", "viewer")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("signal.url", "")
	v.SetDefault("signal.host", "localhost:8080")
	v.SetDefault("signal.path", "/ws")
	v.SetDefault("signal.tls", false)
	v.SetDefault("signal.ping_period", "30s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.read_limit", 8<<20)
	v.SetDefault("signal.send_buffer", 32)

	v.SetDefault("protocol.dialect", "channel")
	v.SetDefault("protocol.frame_tagging", "metadata")
	v.SetDefault("protocol.strict_frame_size", false)

	v.SetDefault("policy.auto_join", "none")
	v.SetDefault("policy.channels", []string{})
	v.SetDefault("policy.max_subscriptions", 4)
	v.SetDefault("policy.refresh_interval", "10s")
	v.SetDefault("policy.viewer_offers", false)
	v.SetDefault("policy.retry_limit", 3)
	v.SetDefault("policy.retry_window", "1m")

	v.SetDefault("reconnect.policy", "none")
	v.SetDefault("reconnect.initial_interval", "500ms")
	v.SetDefault("reconnect.max_interval", "30s")
	v.SetDefault("reconnect.max_elapsed", "0s")

	v.SetDefault("webrtc.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("webrtc.turn_server", "")
	v.SetDefault("webrtc.turn_user", "")
	v.SetDefault("webrtc.turn_pass", "")
	v.SetDefault("webrtc.force_relay", false)

	v.SetDefault("status.addr", ":8090")
	v.SetDefault("publish.metadata", map[string]any{})
	v.SetDefault("publish.restream_from", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Environment
// variables prefixed STREAMVIEW_ override file values, e.g. STREAMVIEW_SIGNAL_URL.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("STREAMVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Str("role", cfg.Role).
		Str("dialect", cfg.Protocol.Dialect).
		Str("auto_join", cfg.Policy.AutoJoin).
		Msg("config ready")
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(key, val string, allowed ...string) {
		for _, a := range allowed {
			if val == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", key, val, strings.Join(allowed, "|")))
	}

	oneOf("mode", c.Mode, "release", "debug")
	oneOf("role", c.Role, "viewer", "broadcaster")
	oneOf("protocol.dialect", c.Protocol.Dialect, "channel", "stream")
	oneOf("protocol.frame_tagging", c.Protocol.FrameTagging, "metadata", "prefixed")
	oneOf("policy.auto_join", c.Policy.AutoJoin, "none", "subscribe-all", "explicit")
	oneOf("reconnect.policy", c.Reconnect.Policy, "none", "backoff")

	if c.Signal.URL == "" && c.Signal.Host == "" {
		errs = append(errs, errors.New("signal: url or host is required"))
	}
	if c.Policy.MaxSubscriptions < 0 {
		errs = append(errs, fmt.Errorf("policy.max_subscriptions: %d is negative", c.Policy.MaxSubscriptions))
	}
	if c.Policy.RefreshInterval <= 0 {
		errs = append(errs, errors.New("policy.refresh_interval: must be positive"))
	}
	if c.Policy.AutoJoin == "explicit" && len(c.Policy.Channels) == 0 {
		errs = append(errs, errors.New("policy.channels: explicit auto_join needs at least one channel"))
	}
	if c.WebRTC.TURNServer != "" && c.WebRTC.TURNUser == "" {
		errs = append(errs, errors.New("webrtc.turn_user: required with turn_server"))
	}
	if c.WebRTC.ForceRelay && c.WebRTC.TURNServer == "" {
		errs = append(errs, errors.New("webrtc.force_relay: requires turn_server"))
	}
	if c.Publish.RestreamFrom != "" && c.Role != "broadcaster" {
		errs = append(errs, errors.New("publish.restream_from: only valid for role broadcaster"))
	}
	return errors.Join(errs...)
}
