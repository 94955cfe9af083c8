package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesEnvOverrides(t *testing.T) {
	os.Setenv("SPVNET_TARGET_CONNECTIONS", "16")
	os.Setenv("SPVNET_DATABASE_TYPE", "postgres")
	defer os.Unsetenv("SPVNET_TARGET_CONNECTIONS")
	defer os.Unsetenv("SPVNET_DATABASE_TYPE")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 16, cfg.TargetConnections)
	require.Equal(t, DatabasePostgres, cfg.DatabaseType)
}

func TestValidateRejectsBadDatabaseType(t *testing.T) {
	cfg := Default()
	cfg.DatabaseType = "mongo"
	require.Error(t, cfg.validate())
}

func TestValidateRejectsBadFPRate(t *testing.T) {
	cfg := Default()
	cfg.BloomFPRate = 1.5
	require.Error(t, cfg.validate())
}
