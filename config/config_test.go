package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Session.SessionTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Session.ActivityTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.SignatureMaxAge)
	assert.Equal(t, 10, cfg.Monitor.MaxAlerts)
	assert.Equal(t, 5, cfg.Monitor.UIMaxAlerts)
	assert.Equal(t, 24*time.Hour, cfg.Encryption.KeyRotationInterval())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessionguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  environment: production
session:
  activity_timeout: 10m
storage:
  driver: bbolt
  path: /tmp/sg.db
encryption:
  auto_rotate_keys: true
`), 0o600))

	t.Setenv("SESSIONGUARD_PLATFORM_API_KEY", "anon-key")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("server-port", 8080, "")
	require.NoError(t, flags.Parse([]string{"--server-port=9090"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, Production, cfg.App.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 10*time.Minute, cfg.Session.ActivityTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Session.SessionTimeout, "unset keys keep defaults")
	assert.Equal(t, "bbolt", cfg.Storage.Driver)
	assert.True(t, cfg.Encryption.AutoRotateKeys)
	assert.Equal(t, "anon-key", cfg.Platform.APIKey)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidateRejects(t *testing.T) {
	cfg := Default()
	cfg.Session.SessionTimeout = 0
	cfg.Storage.Driver = "bbolt"
	cfg.App.Environment = "staging"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.session_timeout")
	assert.Contains(t, err.Error(), "storage.path")
	assert.Contains(t, err.Error(), "staging")
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.dsn")

	cfg.Storage.DSN = "postgres://localhost/sessionguard"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
