package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
)

const sampleConfig = `
relay:
  request-timeout: 15s
  max-sessions: 50
  admission:
    window: 30s
    max-attempts: 3
    allowed-origins:
      - http://app.local
  reaper:
    cleanup-interval: 1m
    session-timeout: 2m
logging:
  transport:
    level: debug
    stdout: false
`

func writeConfig(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInit_ConfigFlag(t *testing.T) {
	path := writeConfig(t, "relay.yaml", sampleConfig)

	app := New()
	require.NoError(t, app.Init([]string{"--config", path}))
	assert.Equal(t, path, app.ConfigPath())

	var cfg relay.Config
	require.NoError(t, app.Section("relay", &cfg))
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 50, cfg.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.Admission.Window)
	assert.Equal(t, 3, cfg.Admission.MaxAttempts)
	assert.Equal(t, []string{"http://app.local"}, cfg.Admission.AllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Reaper.SessionTimeout)

	assert.NotNil(t, app.Logger("transport"))
	assert.NotNil(t, app.Logger("unknown"))
}

func TestInit_EnvAndFlagPriority(t *testing.T) {
	envPath := writeConfig(t, "env.yaml", "relay:\n  max-sessions: 1\n")
	flagPath := writeConfig(t, "flag.yaml", "relay:\n  max-sessions: 2\n")
	t.Setenv(envConfigPath, envPath)

	app := New()
	require.NoError(t, app.Init(nil))
	assert.Equal(t, envPath, app.ConfigPath())

	app = New()
	require.NoError(t, app.Init([]string{"--config=" + flagPath}))
	var cfg relay.Config
	require.NoError(t, app.Section("relay", &cfg))
	assert.Equal(t, 2, cfg.MaxSessions)
}

func TestInit_Errors(t *testing.T) {
	assert.Error(t, New().Init([]string{"--config"}))
	assert.Error(t, New().Init([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}))
}

func TestInit_MissingDefaultUsesEmptyConfig(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	app := New()
	require.NoError(t, app.Init(nil))
	assert.Empty(t, app.ConfigPath())

	cfg := relay.Config{MaxSessions: 7}
	require.NoError(t, app.Section("relay", &cfg))
	assert.Equal(t, 7, cfg.MaxSessions)
}

func TestInit_EnvOverridesFileValue(t *testing.T) {
	path := writeConfig(t, "config.yaml", "relay:\n  max-sessions: 5\n  request-timeout: 15s\n")
	t.Setenv("RELAY_RELAY_MAX-SESSIONS", "9")

	app := New()
	require.NoError(t, app.Init([]string{"--config", path}))
	var cfg relay.Config
	require.NoError(t, app.Section("relay", &cfg))
	assert.Equal(t, 9, cfg.MaxSessions)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
}
