package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
service: web
image: nginx:1.25
servers: ["10.0.0.1"]
env:
  MODE: production
  API_KEY:
    env: WEB_API_KEY
destinations:
  staging:
    image: nginx:1.25-rc
    servers: ["10.0.0.2"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "service.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadBaseConfig(t *testing.T) {
	path := writeConfig(t, baseYAML)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.Service)
	assert.Equal(t, "nginx:1.25", cfg.Image)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.Servers)
	assert.Nil(t, cfg.Destinations)
}

func TestLoadDestinationOverlay(t *testing.T) {
	path := writeConfig(t, baseYAML)

	cfg, err := Load(path, "staging")
	require.NoError(t, err)
	assert.Equal(t, "nginx:1.25-rc", cfg.Image)
	assert.Equal(t, []string{"10.0.0.2"}, cfg.Servers)
	assert.Equal(t, "web", cfg.Service, "unset overlay fields fall back to base")
}

func TestLoadUnknownDestination(t *testing.T) {
	path := writeConfig(t, baseYAML)

	_, err := Load(path, "nonexistent")
	require.Error(t, err)
}

func TestLoadMissingRequiredFieldsFailsValidation(t *testing.T) {
	path := writeConfig(t, "service: web\n")

	_, err := Load(path, "")
	require.Error(t, err)
}

func TestEnvValueResolve(t *testing.T) {
	t.Setenv("WEB_API_KEY", "secret-123")
	path := writeConfig(t, baseYAML)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	literal, err := cfg.Env["MODE"].Resolve("MODE")
	require.NoError(t, err)
	assert.Equal(t, "production", literal)

	resolved, err := cfg.Env["API_KEY"].Resolve("API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "secret-123", resolved)
}

func TestEnvValueResolveMissingVariable(t *testing.T) {
	os.Unsetenv("WEB_API_KEY")
	path := writeConfig(t, baseYAML)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	_, err = cfg.Env["API_KEY"].Resolve("API_KEY")
	require.Error(t, err)
}

func TestParseDurationDefault(t *testing.T) {
	d, err := ParseDuration("", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), int64(d))
}

func TestParseDurationInvalid(t *testing.T) {
	_, err := ParseDuration("not-a-duration", 0)
	require.Error(t, err)
}
