package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NPS_CONFIG_FILE", "")
	t.Setenv("STORAGE_DRIVER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Sync.CacheTTL)
	assert.Equal(t, 12*time.Hour, cfg.Sync.RefreshInterval)
	assert.Equal(t, 4, cfg.Sync.BackfillWindows)
	assert.Equal(t, 10000, cfg.Upstream.PerPage)
	assert.False(t, cfg.Cloudinary.Enabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NPS_CONFIG_FILE", "")
	t.Setenv("STORAGE_DRIVER", "Redis")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REFRESH_INTERVAL", "30m")
	t.Setenv("NPS_API_URL", "http://upstream.local/api/v1/")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Sync.RefreshInterval)
	assert.Equal(t, "http://upstream.local/api/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nps.yaml")
	yamlContent := `
server:
  port: "9090"
storage:
  driver: memory
sync:
  cache_ttl: 6h
upstream:
  token: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))
	t.Setenv("NPS_CONFIG_FILE", path)
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("NPS_API_TOKEN", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 6*time.Hour, cfg.Sync.CacheTTL)
	assert.Equal(t, "from-env", cfg.Upstream.Token)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Storage.DatabaseURL = "postgres://localhost/nps"
	assert.NoError(t, cfg.Validate())

	cfg.Storage.Driver = "mongo"
	assert.Error(t, cfg.Validate())
}
