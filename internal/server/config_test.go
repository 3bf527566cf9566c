package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: "0.0.0.0:9000"
signing_key: "file-key"
write_timeout: 5s
log_level: debug
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "file-key", cfg.SigningKey)
	assert.Equal(t, 5*time.Second, cfg.WriteTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
}

func TestLoadConfigEnvOverridesSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`signing_key: "file-key"`), 0o600))

	t.Setenv("LABSYNC_SIGNING_KEY", "env-key")
	t.Setenv("LABSYNC_REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.SigningKey)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoadConfigRequiresSigningKey(t *testing.T) {
	_, err := LoadConfig("")
	assert.Error(t, err)
}
