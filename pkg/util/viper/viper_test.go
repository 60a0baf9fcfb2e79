package viper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type admissionSection struct {
	Window         time.Duration `mapstructure:"window"`
	MaxAttempts    int           `mapstructure:"max-attempts"`
	AllowedOrigins []string      `mapstructure:"allowed-origins"`
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSectionYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
relay:
  admission:
    window: 90s
    max-attempts: 3
    allowed-origins:
      - https://app.example.com
`)
	cfg := New("")
	require.NoError(t, cfg.LoadFile(path))
	assert.True(t, cfg.IsSet("relay.admission"))

	var dst admissionSection
	require.NoError(t, cfg.Section("relay.admission", &dst))
	assert.Equal(t, 90*time.Second, dst.Window)
	assert.Equal(t, 3, dst.MaxAttempts)
	assert.Equal(t, []string{"https://app.example.com"}, dst.AllowedOrigins)
}

func TestSectionMissingKeepsDefaults(t *testing.T) {
	cfg := New("")
	dst := admissionSection{MaxAttempts: 10}
	require.NoError(t, cfg.Section("relay.admission", &dst))
	assert.Equal(t, 10, dst.MaxAttempts)
}

func TestSectionEnvOverride(t *testing.T) {
	path := writeFile(t, "config.json", `{"relay":{"admission":{"max-attempts":3,"allowed-origins":["a"]}}}`)
	t.Setenv("TESTRELAY_RELAY_ADMISSION_MAX-ATTEMPTS", "7")
	t.Setenv("TESTRELAY_RELAY_ADMISSION_ALLOWED-ORIGINS", "https://a.example,https://b.example")

	cfg := New("TESTRELAY")
	require.NoError(t, cfg.LoadFile(path))

	var dst admissionSection
	require.NoError(t, cfg.Section("relay.admission", &dst))
	assert.Equal(t, 7, dst.MaxAttempts)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, dst.AllowedOrigins)
}

func TestLoadFileErrors(t *testing.T) {
	cfg := New("")
	err := cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, IsNotExist(err))

	err = cfg.LoadFile(writeFile(t, "config.toml", "a = 1"))
	require.Error(t, err)
	assert.False(t, IsNotExist(err))
}
