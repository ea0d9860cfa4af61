package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("auth:\n  jwt_secret: s3cret\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.ListenAddr)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 15*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, int64(4096), cfg.Server.MaxMessageBytes)
	assert.Equal(t, 256, cfg.Server.SendBuffer)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenDuration)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "pong", cfg.Backplane.SubjectPrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.Backplane.RequestTimeout)
	assert.Equal(t, time.Hour, cfg.Tournament.InactiveAfter)
	assert.Empty(t, cfg.Database.Path)
	assert.False(t, cfg.Backplane.Enabled())
}

func TestParseOverrides(t *testing.T) {
	raw := `
server:
  http_port: 9000
  heartbeat_interval: 5s
collaborators:
  users_url: http://users:3000
  relations_url: http://relations:3000
backplane:
  embedded: true
log:
  format: json
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.Server.HeartbeatInterval)
	assert.Equal(t, "http://users:3000", cfg.Collaborators.UsersURL)
	assert.True(t, cfg.Backplane.Enabled())
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("PONG_TEST_SECRET", "from-env")

	cfg, err := Parse([]byte("auth:\n  jwt_secret: ${PONG_TEST_SECRET}\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestParseRejectsUnknownLogFormat(t *testing.T) {
	_, err := Parse([]byte("log:\n  format: xml\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: /tmp/pong.db\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pong.db", cfg.Database.Path)
}
