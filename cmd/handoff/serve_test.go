package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"go.klb.dev/handoff/internal/driver/memdriver"
	"go.klb.dev/handoff/internal/format"
)

func TestCoreConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoff.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
driver = "memory"
platform = "windows"
workers = 3
wait-virtual-files = true

[[aliases]]
platform = "linux"
native = "application/x-my-app"
format = "application/json"
`), 0o600))

	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Set("config", path))
	v := viper.New()
	require.NoError(t, bindViper(cmd, v))

	cfg, err := coreConfig(v)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Workers)
	require.True(t, cfg.Policy.WaitForVirtualFiles)
	require.False(t, cfg.LockOSThread)
	require.Equal(t, []format.Entry{{Platform: format.Linux, Native: "application/x-my-app", ID: format.JSON}}, cfg.Aliases)

	drv, ok := cfg.Driver.(*memdriver.Driver)
	require.True(t, ok)
	require.Equal(t, format.Windows, drv.Platform())
	require.NoError(t, drv.Close())
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HANDOFF_DRIVER", "bogus")
	cmd := newServeCmd()
	v := viper.New()
	require.NoError(t, bindViper(cmd, v))

	_, err := coreConfig(v)
	require.ErrorContains(t, err, `unknown driver "bogus"`)
}

func TestMissingExplicitConfig(t *testing.T) {
	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.toml")))
	require.ErrorContains(t, bindViper(cmd, viper.New()), "config")
}
