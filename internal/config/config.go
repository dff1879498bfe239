// Package config loads the server settings from command-line flags,
// PCMCAST_* environment variables and an optional YAML file, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/pcmcast/internal/chunk"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid settings")

// EnvPrefix is prepended to every environment variable name, with dashes
// in the setting name replaced by underscores (PCMCAST_SAMPLE_RATE).
const EnvPrefix = "PCMCAST"

// Source kinds.
const (
	SourcePipe = "pipe"
	SourceSRT  = "srt"
)

// Config is the finalized settings record.
type Config struct {
	Listen        string        `mapstructure:"listen"`
	Channels      int           `mapstructure:"channels"`
	SampleRate    int           `mapstructure:"sample-rate"`
	BitsPerSample int           `mapstructure:"bits-per-sample"`
	Source        string        `mapstructure:"source"`
	FIFO          string        `mapstructure:"fifo"`
	SRTAddr       string        `mapstructure:"srt-addr"`
	SRTStreamID   string        `mapstructure:"srt-stream-id"`
	ChunkDuration time.Duration `mapstructure:"chunk-duration"`
	Buffer        time.Duration `mapstructure:"buffer"`
	WriteTimeout  time.Duration `mapstructure:"write-timeout"`
	MaxSessions   int           `mapstructure:"max-sessions"`
	ReopenDelay   time.Duration `mapstructure:"reopen-delay"`
	APIAddr       string        `mapstructure:"api-addr"`
	LogLevel      string        `mapstructure:"log-level"`
	LogFormat     string        `mapstructure:"log-format"`
}

// NewFlagSet declares every setting as a flag with its default.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("listen", ":1704", "TCP address clients connect to")
	fs.Int("channels", 2, "number of interleaved channels")
	fs.Int("sample-rate", 48000, "sample rate in Hz")
	fs.Int("bits-per-sample", 16, "bits per sample (multiple of 8)")
	fs.String("source", SourcePipe, "audio source: pipe or srt")
	fs.String("fifo", "/tmp/snapfifo", "named pipe or file to read PCM from")
	fs.String("srt-addr", ":6000", "SRT listen address for the srt source")
	fs.String("srt-stream-id", "", "only accept SRT publishers with this stream ID")
	fs.Duration("chunk-duration", 50*time.Millisecond, "audio duration per chunk")
	fs.Duration("buffer", 10*time.Second, "per-client backlog before oldest chunks are dropped")
	fs.Duration("write-timeout", 0, "per-chunk client write deadline (0 disables)")
	fs.Int("max-sessions", 0, "maximum concurrent clients (0 is unlimited)")
	fs.Duration("reopen-delay", 500*time.Millisecond, "wait before reopening a failed source")
	fs.String("api-addr", ":1780", "status API address (empty disables)")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-format", "text", "log format: text or json")
	return fs
}

// Load parses args and resolves the final Config. It returns
// pflag.ErrHelp when help was requested.
func Load(name string, args []string) (*Config, error) {
	fs := NewFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Format returns the PCM sample format.
func (c *Config) Format() chunk.Format {
	return chunk.Format{
		SampleRate:    c.SampleRate,
		Channels:      c.Channels,
		BitsPerSample: c.BitsPerSample,
	}
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalid)
	}
	if _, err := c.Format().PayloadSize(c.ChunkDuration); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	switch c.Source {
	case SourcePipe:
		if c.FIFO == "" {
			return fmt.Errorf("%w: fifo path is required for the pipe source", ErrInvalid)
		}
	case SourceSRT:
		if c.SRTAddr == "" {
			return fmt.Errorf("%w: srt-addr is required for the srt source", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalid, c.Source)
	}

	switch {
	case c.Buffer <= 0:
		return fmt.Errorf("%w: buffer must be positive, got %v", ErrInvalid, c.Buffer)
	case c.WriteTimeout < 0:
		return fmt.Errorf("%w: write-timeout must not be negative, got %v", ErrInvalid, c.WriteTimeout)
	case c.MaxSessions < 0:
		return fmt.Errorf("%w: max-sessions must not be negative, got %d", ErrInvalid, c.MaxSessions)
	case c.ReopenDelay <= 0:
		return fmt.Errorf("%w: reopen-delay must be positive, got %v", ErrInvalid, c.ReopenDelay)
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("%w: log-level %q", ErrInvalid, c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: log-format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}
