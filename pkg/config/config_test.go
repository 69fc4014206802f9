package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "./burrow-data", cfg.DataDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, events.DefaultWindowSize, cfg.Watch.WindowSize)
	assert.Equal(t, 2*time.Second, cfg.Controllers.Interval)
	assert.Equal(t, manager.DefaultServiceCIDR, cfg.Service.CIDR)
	assert.Equal(t, 5*time.Second, cfg.PortForward.DialTimeout)
	assert.Equal(t, 4<<20, cfg.PortForward.MaxBufferedBytes)
}

func TestLoadFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
dataDir: /var/lib/burrow
log:
  level: warn
watch:
  windowSize: 50
controllers:
  interval: 500ms
`), 0o600))

	// Environment beats the file
	t.Setenv("BURROW_LOG_LEVEL", "debug")
	t.Setenv("BURROW_PORTFORWARD_DIALTIMEOUT", "1s")

	cfg, err := Load(New(), file)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/burrow", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Watch.WindowSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Controllers.Interval)
	assert.Equal(t, time.Second, cfg.PortForward.DialTimeout)

	mc := cfg.ManagerConfig()
	assert.Equal(t, "/var/lib/burrow", mc.DataDir)
	assert.Equal(t, 50, mc.Watch.WindowSize)
	assert.Equal(t, time.Second, mc.DialTimeout)
	assert.Equal(t, log.DebugLevel, cfg.LogConfig().Level)
}

func TestBindFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("listen", "", "")
	cmd.Flags().Int("watch-window", 0, "")

	v := New()
	require.NoError(t, BindFlags(v, cmd, map[string]string{
		KeyListenAddr:      "listen",
		KeyWatchWindowSize: "watch-window",
	}))
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", "0.0.0.0:7000"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7000", cfg.ListenAddr)
	// Unset flags leave the default in place
	assert.Equal(t, events.DefaultWindowSize, cfg.Watch.WindowSize)

	assert.Error(t, BindFlags(v, cmd, map[string]string{KeyDataDir: "missing"}))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  interface{}
		errMsg string
	}{
		{"empty data dir", KeyDataDir, "", "dataDir"},
		{"unknown level", KeyLogLevel, "loud", "unknown level"},
		{"zero window", KeyWatchWindowSize, 0, "watch.windowSize"},
		{"negative queue", KeyWatchQueueSize, -1, "watch.queueSize"},
		{"bad cidr", KeyServiceCIDR, "10.96.0.0", "service.cidr"},
		{"zero dial timeout", KeyPortForwardDialTimeout, "0s", "portforward.dialTimeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.Set(tt.key, tt.value)
			_, err := Load(v, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
