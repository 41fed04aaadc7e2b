package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecConstants(t *testing.T) {
	d := Default()
	require.Equal(t, 100*time.Millisecond, d.ConnectInitialBackoff)
	require.Equal(t, 30*time.Second, d.ConnectMaxBackoff)
	require.Equal(t, 1000*time.Millisecond, d.GuardrailPollInterval)
	require.Equal(t, 50*time.Millisecond, d.AndroidStartupDelay)
}

func TestLoadOverridesDefaultsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "producer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket_path: /tmp/custom.sock\nconnect_max_backoff: 5s\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom.sock", cfg.SocketPath)
	require.Equal(t, 5*time.Second, cfg.ConnectMaxBackoff)
	// Fields not present in the YAML keep their Default() value.
	require.Equal(t, 100*time.Millisecond, cfg.ConnectInitialBackoff)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
