package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Log       Log       `mapstructure:"log"`
	Platform  Platform  `mapstructure:"platform"`
	Tiles     Tiles     `mapstructure:"tiles"`
	Reconnect Reconnect `mapstructure:"reconnect"`
	Quality   Quality   `mapstructure:"quality"`
	Devices   Devices   `mapstructure:"devices"`
	Redis     Redis     `mapstructure:"redis"`
	Signal    Signal    `mapstructure:"signal"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Platform struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ICEServers  []string      `mapstructure:"ice_servers"`
}

type Tiles struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

type Reconnect struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinBackoff  time.Duration `mapstructure:"min_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type Quality struct {
	Interval    time.Duration `mapstructure:"interval"`
	FairLatency time.Duration `mapstructure:"fair_latency"`
	PoorLatency time.Duration `mapstructure:"poor_latency"`
	FairLoss    float64       `mapstructure:"fair_loss"`
	PoorLoss    float64       `mapstructure:"poor_loss"`
}

// Devices is the capture inventory the server exposes to sessions.
type Devices struct {
	Microphones []string `mapstructure:"microphones"`
	Cameras     []string `mapstructure:"cameras"`
	Speakers    []string `mapstructure:"speakers"`
	Busy        []string `mapstructure:"busy"`
	Deny        []string `mapstructure:"deny"`
	// FrameInterval paces the synthetic capture source. Negative disables it.
	FrameInterval time.Duration `mapstructure:"frame_interval"`
}

type Redis struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

type Signal struct {
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an error.
// CALL_ environment variables override both, with "." in keys spelled "_".
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("call")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(fileName); statErr == nil {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("platform", cfg.Platform.URL).
		Bool("redis", cfg.Redis.Enabled).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("platform.url", "ws://localhost:9000/ws")
	v.SetDefault("platform.dial_timeout", "10s")
	v.SetDefault("platform.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("tiles.max_attempts", 5)
	v.SetDefault("tiles.interval", "100ms")

	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.min_backoff", "500ms")
	v.SetDefault("reconnect.max_backoff", "8s")

	v.SetDefault("quality.interval", "2s")
	v.SetDefault("quality.fair_latency", "150ms")
	v.SetDefault("quality.poor_latency", "400ms")
	v.SetDefault("quality.fair_loss", 0.02)
	v.SetDefault("quality.poor_loss", 0.08)

	v.SetDefault("devices.microphones", []string{"default-mic"})
	v.SetDefault("devices.cameras", []string{"default-cam"})
	v.SetDefault("devices.speakers", []string{"default-speaker"})
	v.SetDefault("devices.busy", []string{})
	v.SetDefault("devices.deny", []string{})
	v.SetDefault("devices.frame_interval", 20*time.Millisecond)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.claim_ttl", "2m")

	v.SetDefault("signal.join_limit", 5)
	v.SetDefault("signal.join_window", "10s")
}
