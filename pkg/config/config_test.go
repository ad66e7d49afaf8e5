package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetEnv(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Setenv(EnvPort, "")
	t.Setenv(EnvPortLegacy, "")
	os.Unsetenv(EnvPort)
	os.Unsetenv(EnvPortLegacy)
}

func TestLoadDefaults(t *testing.T) {
	resetEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "127.0.0.1:12306", cfg.Addr())
}

func TestLoadPreferredEnvWins(t *testing.T) {
	resetEnv(t)
	t.Setenv(EnvPort, "23000")
	t.Setenv(EnvPortLegacy, "24000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 23000, cfg.Port)
}

func TestLoadLegacyEnvFallback(t *testing.T) {
	resetEnv(t)
	t.Setenv(EnvPortLegacy, "24000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 24000, cfg.Port)
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	resetEnv(t)
	t.Setenv(EnvPort, "23000")
	viper.Set("port", 25000)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25000, cfg.Port)
}

func TestLoadRejectsInvalidEnvPort(t *testing.T) {
	resetEnv(t)
	t.Setenv(EnvPort, "not-a-port")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangePort(t *testing.T) {
	resetEnv(t)
	t.Setenv(EnvPort, "70000")

	_, err := Load()
	require.Error(t, err)
}

func TestExportPortSetsBothVariables(t *testing.T) {
	resetEnv(t)

	ExportPort(31111)
	assert.Equal(t, "31111", os.Getenv(EnvPort))
	assert.Equal(t, "31111", os.Getenv(EnvPortLegacy))
}
