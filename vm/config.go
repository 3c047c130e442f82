package vm

import (
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config carries VM, heap, and logging settings in a form loadable from a
// TOML file. Zero fields keep their defaults.
//
//	[vm]
//	max_stack_depth = 4096
//	max_frame_depth = 1024
//	context_check_interval = 1000
//
//	[heap]
//	initial_threshold = 1048576
//	growth_factor = 2.0
//	max_bytes = 0
//
//	[log]
//	level = "info"
type Config struct {
	VM   VMConfig   `toml:"vm"`
	Heap HeapConfig `toml:"heap"`
	Log  LogConfig  `toml:"log"`
}

type VMConfig struct {
	MaxStackDepth        int `toml:"max_stack_depth"`
	MaxFrameDepth        int `toml:"max_frame_depth"`
	ContextCheckInterval int `toml:"context_check_interval"`
}

type HeapConfig struct {
	InitialThreshold int64   `toml:"initial_threshold"`
	GrowthFactor     float64 `toml:"growth_factor"`
	MaxBytes         int64   `toml:"max_bytes"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// LoadConfig decodes a TOML configuration from r.
func LoadConfig(r io.Reader) (*Config, error) {
	var c Config
	if _, err := toml.NewDecoder(r).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadConfigFile decodes a TOML configuration from a file.
func LoadConfigFile(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Options converts the configuration into VM options, skipping fields left
// at zero.
func (c *Config) Options() []Option {
	var opts []Option
	if c.VM.MaxStackDepth > 0 {
		opts = append(opts, WithMaxStackDepth(c.VM.MaxStackDepth))
	}
	if c.VM.MaxFrameDepth > 0 {
		opts = append(opts, WithMaxFrameDepth(c.VM.MaxFrameDepth))
	}
	if c.VM.ContextCheckInterval > 0 {
		opts = append(opts, WithContextCheckInterval(c.VM.ContextCheckInterval))
	}
	if c.Heap.InitialThreshold > 0 {
		opts = append(opts, WithInitialGCThreshold(c.Heap.InitialThreshold))
	}
	if c.Heap.GrowthFactor > 0 {
		opts = append(opts, WithGCGrowthFactor(c.Heap.GrowthFactor))
	}
	if c.Heap.MaxBytes > 0 {
		opts = append(opts, WithMaxHeapBytes(c.Heap.MaxBytes))
	}
	return opts
}

// LogLevel parses the configured log level, defaulting to info when unset
// or unrecognized.
func (c *Config) LogLevel() zerolog.Level {
	if c.Log.Level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
