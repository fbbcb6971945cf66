package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsAndFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	yaml := `
server:
  port: 9000
guard:
  mode: sync
  correction: cascade
  confidence_threshold:
    pass_threshold: 0.9
alerts:
  webhooks:
    - url: https://hooks.example.com/x
      format: slack
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8000, cfg.Console.Port)
	assert.Equal(t, "sync", cfg.Guard.Mode)
	assert.Equal(t, "cascade", cfg.Guard.Correction)
	assert.Equal(t, 0.9, cfg.Guard.ConfidenceThreshold.Pass)
	assert.Equal(t, 0.5, cfg.Guard.ConfidenceThreshold.Flag, "unset keys keep defaults")
	assert.Equal(t, 10, cfg.Guard.ConversationWindowSize)
	assert.Equal(t, 5*time.Second, cfg.Guard.CheckTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	require.Len(t, cfg.Alerts.Webhooks, 1)
	assert.Equal(t, "slack", cfg.Alerts.Webhooks[0].Format)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("GUARD_MODE", "sync")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sync", cfg.Guard.Mode)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("DATABASE_DRIVER", "oracle")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}
