package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ghostdrop.toml")
	contents := `
hello_ack_timeout = "30s"
default_chunk_size = 256
default_window_size = 16
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, cfg.HelloAckTimeout.Duration)
	require.Equal(t, uint32(256), cfg.DefaultChunkSize)
	require.Equal(t, uint(16), cfg.DefaultWindowSize)

	// Untouched fields keep their documented defaults.
	require.Equal(t, 15*time.Second, cfg.VerifyAckTimeout.Duration)
	require.Equal(t, 200*time.Millisecond, cfg.GATTRetryInterval.Duration)
}

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 15*time.Second, cfg.HelloAckTimeout.Duration)
	require.Equal(t, 15*time.Second, cfg.VerifyAckTimeout.Duration)
	require.Equal(t, 200*time.Millisecond, cfg.GATTRetryInterval.Duration)
	require.Equal(t, 2*time.Second, cfg.GATTRetryTimeout.Duration)
	require.Equal(t, 10*time.Second, cfg.ReassemblyGCAge.Duration)
}
