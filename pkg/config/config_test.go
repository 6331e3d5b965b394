package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRoot, cfg.Root)
	assert.Equal(t, DefaultCgroupRoot, cfg.CgroupRoot)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.SyncTimeout())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "youki.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root: /var/lib/youki
log_level: debug
log_json: true
sync_timeout_seconds: 30
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/youki", cfg.Root)
	assert.Equal(t, DefaultCgroupRoot, cfg.CgroupRoot, "unset keys keep defaults")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 30*time.Second, cfg.SyncTimeout())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("root: [unclosed"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
