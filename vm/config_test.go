package vm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const configDoc = `
[vm]
max_stack_depth = 4096
max_frame_depth = 128
context_check_interval = 500

[heap]
initial_threshold = 2097152
growth_factor = 1.5
max_bytes = 67108864

[log]
level = "debug"
`

func TestLoadConfig(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(configDoc))
	require.NoError(t, err)
	require.Equal(t, 4096, c.VM.MaxStackDepth)
	require.Equal(t, 128, c.VM.MaxFrameDepth)
	require.Equal(t, 500, c.VM.ContextCheckInterval)
	require.Equal(t, int64(2097152), c.Heap.InitialThreshold)
	require.Equal(t, 1.5, c.Heap.GrowthFactor)
	require.Equal(t, int64(67108864), c.Heap.MaxBytes)
	require.Equal(t, "debug", c.Log.Level)
}

func TestLoadConfigRejectsMalformed(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("[vm\nmax_stack_depth = 1"))
	require.Error(t, err)
}

func TestConfigOptions(t *testing.T) {
	c, err := LoadConfig(strings.NewReader(configDoc))
	require.NoError(t, err)
	machine := New(c.Options()...)
	require.Equal(t, 4096, machine.maxStackDepth)
	require.Equal(t, 128, machine.maxFrameDepth)
	require.Equal(t, 500, machine.checkInterval)
	require.Equal(t, int64(2097152), machine.heapCfg.InitialThreshold)
	require.Equal(t, 1.5, machine.heapCfg.GrowthFactor)
	require.Equal(t, int64(67108864), machine.heapCfg.MaxBytes)
}

func TestConfigOptionsLeaveDefaults(t *testing.T) {
	var c Config
	machine := New(c.Options()...)
	require.Equal(t, DefaultMaxStackDepth, machine.maxStackDepth)
	require.Equal(t, DefaultMaxFrameDepth, machine.maxFrameDepth)
	require.Equal(t, DefaultContextCheckInterval, machine.checkInterval)
}

func TestConfigLogLevel(t *testing.T) {
	c := &Config{}
	require.Equal(t, zerolog.InfoLevel, c.LogLevel())
	c.Log.Level = "debug"
	require.Equal(t, zerolog.DebugLevel, c.LogLevel())
	c.Log.Level = "WARN"
	require.Equal(t, zerolog.WarnLevel, c.LogLevel())
	c.Log.Level = "bogus"
	require.Equal(t, zerolog.InfoLevel, c.LogLevel())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cinder.toml")
	require.NoError(t, os.WriteFile(path, []byte(configDoc), 0o644))
	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Equal(t, 4096, c.VM.MaxStackDepth)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
