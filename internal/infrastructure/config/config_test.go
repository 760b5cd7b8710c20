package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/sandbox/internal/protocol"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Sandbox config
	assert.Equal(t, 30*time.Second, cfg.Sandbox.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.ExecTimeout)
	assert.True(t, cfg.Sandbox.Console)

	// Server config
	assert.Equal(t, "8700", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8700", cfg.Server.Addr())

	// Transport config
	assert.Equal(t, "json", cfg.Transport.Codec)
	assert.Equal(t, 4096, cfg.Transport.CompressThreshold)

	// Rate limit config
	assert.Equal(t, 1000, cfg.RateLimit.MessagesPerSecond)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"SANDBOX_TIMEOUT":            "5s",
		"SANDBOX_EXEC_TIMEOUT":       "250ms",
		"SANDBOX_CONSOLE":            "false",
		"SANDBOX_HOST_PERMISSIONS":   "SEND_EVAL,RECEIVE_CALL",
		"SANDBOX_CODEC":              "cbor",
		"SANDBOX_COMPRESS_THRESHOLD": "0",
		"PORT":                       "9000",
		"HOST":                       "127.0.0.1",
		"LOG_LEVEL":                  "debug",
		"LOG_DEV":                    "true",
		"RATE_LIMIT_ENABLED":         "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Sandbox.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Sandbox.ExecTimeout)
	assert.False(t, cfg.Sandbox.Console)
	assert.Equal(t, []string{"SEND_EVAL", "RECEIVE_CALL"}, cfg.Permissions.Host)
	assert.Equal(t, "cbor", cfg.Transport.Codec)
	assert.Equal(t, 0, cfg.Transport.CompressThreshold)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.False(t, cfg.RateLimit.Enabled)

	host, err := cfg.HostPermissions()
	require.NoError(t, err)
	assert.Equal(t, []string{"RECEIVE_CALL", "SEND_EVAL"}, host.Strings())
}

func TestInvalidEnvironmentFallsBack(t *testing.T) {
	t.Setenv("SANDBOX_TIMEOUT", "forever")

	_, err := Load()
	assert.Error(t, err)
	assert.Equal(t, Default(), LoadOrDefault())
}

func TestPermissionDefaults(t *testing.T) {
	cfg := Default()

	host, err := cfg.HostPermissions()
	require.NoError(t, err)
	assert.Equal(t, protocol.HostDefaults().Strings(), host.Strings())

	worker, err := cfg.WorkerPermissions()
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerDefaults().Strings(), worker.Strings())
}

func TestInvalidPermissionTokens(t *testing.T) {
	cfg := Default()
	cfg.Permissions.Worker = []string{"RECEIVE_EVAL", "RECEIVE_EVERYTHING"}

	_, err := cfg.WorkerPermissions()
	assert.Error(t, err)
}

func TestPermissionProfiles(t *testing.T) {
	profiles := map[string]string{
		"permissions.yaml": "host: [SEND_EVAL, RECEIVE_CALL]\nworker: [RECEIVE_EVAL]\n",
		"permissions.toml": "host = [\"SEND_EVAL\", \"RECEIVE_CALL\"]\nworker = [\"RECEIVE_EVAL\"]\n",
		"permissions.jsonc": `{
			// host may only evaluate
			"host": ["SEND_EVAL", "RECEIVE_CALL",],
			"worker": ["RECEIVE_EVAL"],
		}`,
	}

	for name, content := range profiles {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			cfg := Default()
			cfg.Permissions.Profile = path

			host, err := cfg.HostPermissions()
			require.NoError(t, err)
			assert.Equal(t, []string{"RECEIVE_CALL", "SEND_EVAL"}, host.Strings())

			worker, err := cfg.WorkerPermissions()
			require.NoError(t, err)
			assert.Equal(t, []string{"RECEIVE_EVAL"}, worker.Strings())
		})
	}
}

func TestExplicitPermissionsBeatProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: [SEND_EVAL]\n"), 0o644))

	cfg := Default()
	cfg.Permissions.Profile = path
	cfg.Permissions.Host = []string{"SEND_ACCESS"}

	host, err := cfg.HostPermissions()
	require.NoError(t, err)
	assert.Equal(t, []string{"SEND_ACCESS"}, host.Strings())

	worker, err := cfg.WorkerPermissions()
	require.NoError(t, err)
	assert.Equal(t, protocol.WorkerDefaults().Strings(), worker.Strings(), "empty profile entry keeps defaults")
}

func TestProfileErrors(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseProfile([]byte("host: ["), ".yaml")
	assert.Error(t, err)

	_, err = ParseProfile([]byte("{}"), ".ini")
	assert.Error(t, err)
}
