// ABOUTME: Configuration loading for the player and the mirror sink
// ABOUTME: Defaults, then config file, then RESONATE_OUTPUT_* environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Resonate-Protocol/resonate-output/pkg/audio"
	"github.com/Resonate-Protocol/resonate-output/pkg/audio/output"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RESONATE_OUTPUT_AUDIO_BACKEND
const EnvPrefix = "RESONATE_OUTPUT"

// Config is the full application configuration
type Config struct {
	Audio   AudioConfig  `mapstructure:"audio"`
	Player  PlayerConfig `mapstructure:"player"`
	Mirror  MirrorConfig `mapstructure:"mirror"`
	Sink    SinkConfig   `mapstructure:"sink"`
	LogFile string       `mapstructure:"log_file"`
}

// AudioConfig selects the backend, device and stream format
type AudioConfig struct {
	Backend         string        `mapstructure:"backend"`
	Device          string        `mapstructure:"device"`
	InputDevice     string        `mapstructure:"input_device"`
	SampleRate      int           `mapstructure:"sample_rate"`
	Channels        int           `mapstructure:"channels"`
	BitDepth        int           `mapstructure:"bit_depth"`
	FramesPerBuffer int           `mapstructure:"frames_per_buffer"`
	WatchInterval   time.Duration `mapstructure:"watch_interval"`
}

// PlayerConfig controls what is played and how the controller is tuned
type PlayerConfig struct {
	Source        string        `mapstructure:"source"`
	Volume        float64       `mapstructure:"volume"`
	Buffer        time.Duration `mapstructure:"buffer"`
	WedgeDelay    time.Duration `mapstructure:"wedge_delay"`
	PowerInterval time.Duration `mapstructure:"power_interval"`
}

// MirrorConfig describes where diverted audio goes
type MirrorConfig struct {
	URL      string `mapstructure:"url"`
	Codec    string `mapstructure:"codec"`
	Discover bool   `mapstructure:"discover"`
}

// SinkConfig configures cmd/mirror-sink
type SinkConfig struct {
	Port      int    `mapstructure:"port"`
	Name      string `mapstructure:"name"`
	Advertise bool   `mapstructure:"advertise"`
}

func setDefaults(v *viper.Viper) {
	p := audio.DefaultParams()

	v.SetDefault("audio.backend", "malgo")
	v.SetDefault("audio.device", output.DefaultDeviceID)
	v.SetDefault("audio.input_device", "")
	v.SetDefault("audio.sample_rate", p.SampleRate)
	v.SetDefault("audio.channels", p.Channels)
	v.SetDefault("audio.bit_depth", p.BitDepth)
	v.SetDefault("audio.frames_per_buffer", p.FramesPerBuffer)
	v.SetDefault("audio.watch_interval", output.DefaultWatchInterval)

	v.SetDefault("player.source", "")
	v.SetDefault("player.volume", 1.0)
	v.SetDefault("player.buffer", 500*time.Millisecond)
	v.SetDefault("player.wedge_delay", 5*time.Second)
	v.SetDefault("player.power_interval", 250*time.Millisecond)

	v.SetDefault("mirror.url", "")
	v.SetDefault("mirror.codec", "pcm")
	v.SetDefault("mirror.discover", false)

	v.SetDefault("sink.port", 8928)
	v.SetDefault("sink.name", "")
	v.SetDefault("sink.advertise", true)

	v.SetDefault("log_file", "")
}

// Default returns the configuration with no file or environment applied
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads configuration. An explicit path must exist; without one,
// resonate-output.{yaml,toml,json} is looked up in the working directory and
// ~/.config/resonate-output and skipped when absent.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("resonate-output")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/resonate-output")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Params returns the stream parameters described by the audio section
func (c Config) Params() audio.Params {
	return audio.Params{
		SampleRate:      c.Audio.SampleRate,
		Channels:        c.Audio.Channels,
		BitDepth:        c.Audio.BitDepth,
		FramesPerBuffer: c.Audio.FramesPerBuffer,
	}
}

// BufferFrames converts the player buffer duration to frames at the stream rate
func (c Config) BufferFrames() int {
	frames := int(int64(c.Audio.SampleRate) * int64(c.Player.Buffer) / int64(time.Second))
	if frames < c.Audio.FramesPerBuffer*2 {
		frames = c.Audio.FramesPerBuffer * 2
	}
	return frames
}

// Validate checks values that would otherwise fail deep inside a component
func (c Config) Validate() error {
	if _, err := output.ParseBackend(c.Audio.Backend); err != nil {
		return err
	}
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("invalid audio config: %w", err)
	}
	if c.Player.Volume < 0 || c.Player.Volume > 1 {
		return fmt.Errorf("player.volume must be within [0, 1], got %v", c.Player.Volume)
	}
	switch c.Mirror.Codec {
	case "pcm", "opus":
	default:
		return fmt.Errorf("unsupported mirror.codec %q", c.Mirror.Codec)
	}
	if c.Sink.Port < 1 || c.Sink.Port > 65535 {
		return fmt.Errorf("sink.port out of range: %d", c.Sink.Port)
	}
	return nil
}
