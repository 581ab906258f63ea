package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7780, cfg.Port)
	require.Equal(t, int64(512*1024*1024), cfg.DefaultMemoryBytes)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\ndata_dir: /tmp/vea\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
	require.Equal(t, "/tmp/vea", cfg.DataDir)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VEA_PORT", "1234")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.Port)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	require.Error(t, cfg.Validate())
}
