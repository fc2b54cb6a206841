package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "supervisor", cfg.Role)
	require.Equal(t, "memory", cfg.Registry.Backend)
	require.Equal(t, 3*time.Second, cfg.Scanner.TriggeringJobPeriod)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("CHRONO_ROLE", "worker")
	t.Setenv("CHRONO_GROUP", "gpu-pool")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "worker", cfg.Role)
	require.Equal(t, "gpu-pool", cfg.Group)
}

func TestLoadFromYAMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "chrono-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("role: worker\ngroup: batch\nstore:\n  driver: postgres\n  dsn: postgres://x\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)
	require.Equal(t, "worker", cfg.Role)
	require.Equal(t, "batch", cfg.Group)
	require.Equal(t, "postgres", cfg.Store.Driver)
}
