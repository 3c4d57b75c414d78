package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "./data/fleetlens.duckdb", cfg.Database.Path)
	assert.Equal(t, "./data/catalog.db", cfg.Catalog.Path)
	assert.Equal(t, 100, cfg.Loader.MaxRowErrors)
	assert.Equal(t, 10000, cfg.Query.MaxBuckets)
	assert.Equal(t, 4096, cfg.Cache.MaxEntries)
	assert.Equal(t, 2, cfg.Retention.KeepVersions)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.False(t, cfg.Enrichment.Enabled)
	assert.Equal(t, 0.3, cfg.Enrichment.Temperature)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETLENS_SERVER_PORT", "9100")
	t.Setenv("FLEETLENS_LOG_LEVEL", "debug")
	t.Setenv("FLEETLENS_RETENTION_KEEP_VERSIONS", "5")
	t.Setenv("FLEETLENS_ENRICHMENT_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Retention.KeepVersions)
	assert.True(t, cfg.Enrichment.Enabled)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("FLEETLENS_SERVER_PORT", "-1")

	_, err := Load()
	assert.Error(t, err)
}
