package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	cfg := LoadEngineConfig("GASOLINE_TEST_UNSET")
	require.Equal(t, "gasoline-worker", cfg.ServiceName)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "gasoline.db", cfg.KVPath)
	require.Equal(t, 5, cfg.WorkerConcurrency)
	require.Equal(t, 30*time.Second, cfg.LeaseTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoadEngineConfig_EnvOverrides(t *testing.T) {
	t.Setenv("GASOLINE_TEST_SERVICE_NAME", "my-worker")
	t.Setenv("GASOLINE_TEST_WORKER_CONCURRENCY", "9")
	t.Setenv("GASOLINE_TEST_LEASE_TTL", "45s")

	cfg := LoadEngineConfig("GASOLINE_TEST")
	require.Equal(t, "my-worker", cfg.ServiceName)
	require.Equal(t, 9, cfg.WorkerConcurrency)
	require.Equal(t, 45*time.Second, cfg.LeaseTTL)
}

func TestEngineConfig_ValidateRejectsBadLogLevel(t *testing.T) {
	cfg := LoadEngineConfig("GASOLINE_TEST_BADLEVEL")
	cfg.LogLevel = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "LogLevel")
}

func TestEngineConfig_ValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := LoadEngineConfig("GASOLINE_TEST_BADCONCURRENCY")
	cfg.WorkerConcurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "WorkerConcurrency")
}

func TestEnvConfig_BuildKeyWithAndWithoutPrefix(t *testing.T) {
	os.Unsetenv("NOPREFIX_KEY")
	withPrefix := NewEnvConfig("GASOLINE")
	require.Equal(t, "fallback", withPrefix.GetString("SOME_KEY", "fallback"))

	noPrefix := NewEnvConfig("")
	require.Equal(t, "fallback", noPrefix.GetString("SOME_KEY", "fallback"))
}
