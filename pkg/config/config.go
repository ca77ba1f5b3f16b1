package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/tinyecg/internal/frame"
	"github.com/srg/tinyecg/internal/render"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	SampleRate         int    `yaml:"sample_rate" default:"150"`
	FrameRate          int    `yaml:"frame_rate" default:"25"`
	StashCapacity      int    `yaml:"stash_capacity" default:"384"`
	ReassemblyCapacity int    `yaml:"reassembly_capacity" default:"512"`
	Resync             string `yaml:"resync" default:"scan"`
	OutboundQueue      uint32 `yaml:"outbound_queue" default:"16"`

	ScanDuration      time.Duration `yaml:"scan_duration" default:"50s"`
	ConnectDelay      time.Duration `yaml:"connect_delay" default:"1s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	RSSIInterval      time.Duration `yaml:"rssi_interval" default:"5s"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" default:"15s"`
	BatteryInterval   time.Duration `yaml:"battery_interval" default:"15s"`
	BatteryPath       string        `yaml:"battery_path"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" default:"5s"`

	NoColor bool `yaml:"no_color"`
	Width   int  `yaml:"width"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and the sampling constraints.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	if err := render.ValidateRates(c.SampleRate, c.FrameRate); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.StashCapacity <= 0 {
		return fmt.Errorf("%w: stash_capacity must be positive, got %d", ErrInvalid, c.StashCapacity)
	}
	if c.StashCapacity < c.SampleRate/c.FrameRate {
		return fmt.Errorf("%w: stash_capacity %d is smaller than one display frame (%d samples)",
			ErrInvalid, c.StashCapacity, c.SampleRate/c.FrameRate)
	}
	if c.ReassemblyCapacity < frame.MaxFrameSize {
		return fmt.Errorf("%w: reassembly_capacity must hold one frame (%d bytes), got %d",
			ErrInvalid, frame.MaxFrameSize, c.ReassemblyCapacity)
	}
	if _, err := frame.ParseResyncPolicy(c.Resync); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.OutboundQueue == 0 {
		return fmt.Errorf("%w: outbound_queue must be positive", ErrInvalid)
	}

	for name, d := range map[string]time.Duration{
		"scan_duration":      c.ScanDuration,
		"connect_timeout":    c.ConnectTimeout,
		"rssi_interval":      c.RSSIInterval,
		"heartbeat_interval": c.HeartbeatInterval,
		"battery_interval":   c.BatteryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalid, name, d)
		}
	}
	if c.ConnectDelay < 0 || c.ShutdownGrace < 0 {
		return fmt.Errorf("%w: connect_delay and shutdown_grace must not be negative", ErrInvalid)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// DecoderOptions returns the frame decoder settings.
func (c *Config) DecoderOptions() frame.Options {
	policy, _ := frame.ParseResyncPolicy(c.Resync)
	return frame.Options{
		Capacity: c.ReassemblyCapacity,
		Resync:   policy,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
