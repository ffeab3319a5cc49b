package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/viper"

	"github.com/isqad/livelook-gateway/internal/rtc"
)

const envPrefix = "SFU"

var (
	ErrInvalidPortRange = errors.New("invalid rtc port range")
	ErrNoCodecs         = errors.New("at least one media codec required")
)

type Config struct {
	Env       Environment     `mapstructure:"env"`
	Address   string          `mapstructure:"address"`
	Log       LogConfig       `mapstructure:"log"`
	RTC       RTCConfig       `mapstructure:"rtc"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	EventBus  EventBusConfig  `mapstructure:"eventbus"`
	Auth      AuthConfig      `mapstructure:"auth"`

	Codecs []*rtc.RtpCodecCapability `mapstructure:"codecs"`
}

type LogConfig struct {
	Level string   `mapstructure:"level"`
	Tags  []string `mapstructure:"tags"`
}

type RTCConfig struct {
	PortRangeStart uint16 `mapstructure:"port_range_start"`
	PortRangeEnd   uint16 `mapstructure:"port_range_end"`
	ListenIP       string `mapstructure:"listen_ip"`
	AnnouncedIP    string `mapstructure:"announced_ip"`
	EnableTCP      bool   `mapstructure:"enable_tcp"`
}

type EngineConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type SignalingConfig struct {
	MaxMessageSize int64 `mapstructure:"max_message_size"`
}

type EventBusConfig struct {
	RedisAddr   string `mapstructure:"redis_addr"`
	NatsURL     string `mapstructure:"nats_url"`
	DatabaseURL string `mapstructure:"database_url"`
	Subject     string `mapstructure:"subject"`
}

type AuthConfig struct {
	FirebaseAddr string `mapstructure:"firebase_addr"`
}

func NewConfig() *Config {
	conf := &Config{
		Env:     DevelopmentEnv,
		Address: ":8080",
		Log: LogConfig{
			Level: "info",
		},
		RTC: RTCConfig{
			PortRangeStart: 50000,
			PortRangeEnd:   60000,
			ListenIP:       "0.0.0.0",
		},
		Engine: EngineConfig{
			CallTimeout: 10 * time.Second,
		},
		Signaling: SignalingConfig{
			MaxMessageSize: 200 * 1024, // 200K
		},
		EventBus: EventBusConfig{
			Subject: "livelook.rooms",
		},
		Codecs: DefaultCodecs(),
	}

	return conf
}

// DefaultCodecs is the media codec set every router is created with.
func DefaultCodecs() []*rtc.RtpCodecCapability {
	return []*rtc.RtpCodecCapability{
		{
			Kind:      rtc.AudioKind,
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      rtc.VideoKind,
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      rtc.VideoKind,
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

// Load reads the optional YAML file at path and applies SFU_* environment
// overrides on top of NewConfig defaults.
func Load(path string) (*Config, error) {
	conf := NewConfig()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults(conf) {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if v.IsSet("codecs") {
		conf.Codecs = nil
	}

	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) Validate() error {
	if c.RTC.PortRangeStart == 0 || c.RTC.PortRangeEnd <= c.RTC.PortRangeStart {
		return fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, c.RTC.PortRangeStart, c.RTC.PortRangeEnd)
	}
	if len(c.Codecs) == 0 {
		return ErrNoCodecs
	}
	for _, codec := range c.Codecs {
		if !codec.Kind.Valid() {
			return fmt.Errorf("%w: %s has kind %q", rtc.ErrUnsupportedCodec, codec.MimeType, codec.Kind)
		}
	}
	return nil
}

func (c *Config) ListenIP() rtc.ListenIP {
	return rtc.ListenIP{IP: c.RTC.ListenIP, AnnouncedIP: c.RTC.AnnouncedIP}
}

// defaults registers every scalar key so that AutomaticEnv can override it.
func defaults(c *Config) map[string]interface{} {
	return map[string]interface{}{
		"env":                        string(c.Env),
		"address":                    c.Address,
		"log.level":                  c.Log.Level,
		"log.tags":                   c.Log.Tags,
		"rtc.port_range_start":       c.RTC.PortRangeStart,
		"rtc.port_range_end":         c.RTC.PortRangeEnd,
		"rtc.listen_ip":              c.RTC.ListenIP,
		"rtc.announced_ip":           c.RTC.AnnouncedIP,
		"rtc.enable_tcp":             c.RTC.EnableTCP,
		"engine.call_timeout":        c.Engine.CallTimeout,
		"signaling.max_message_size": c.Signaling.MaxMessageSize,
		"eventbus.redis_addr":        c.EventBus.RedisAddr,
		"eventbus.nats_url":          c.EventBus.NatsURL,
		"eventbus.database_url":      c.EventBus.DatabaseURL,
		"eventbus.subject":           c.EventBus.Subject,
		"auth.firebase_addr":         c.Auth.FirebaseAddr,
	}
}
