package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "http://localhost:11434", cfg.Model.BaseURL)
		assert.Equal(t, 4, cfg.Analysis.Workers)
		assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	})

	t.Run("yaml file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
model:
  base_url: http://models.internal:11434
analysis:
  workers: 8
dispatch:
  max_attempts: 3
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "http://models.internal:11434", cfg.Model.BaseURL)
		assert.Equal(t, 8, cfg.Analysis.Workers)
		assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	})

	t.Run("env beats file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))
		t.Setenv("ORACLE_PORT", "9100")
		t.Setenv("ORACLE_PROVIDER_SECRET", "from-env")
		t.Setenv("ORACLE_MODEL_TIMEOUT", "90s")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9100, cfg.Server.Port)
		assert.Equal(t, "from-env", cfg.Auth.ProviderSecret)
		assert.Equal(t, 90*time.Second, cfg.Model.Timeout)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := Load("/does/not/exist.yaml")
		assert.Error(t, err)
	})
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("ORACLE_TEST_VALUE", "set")
	assert.Equal(t, "set", GetEnvOrDefault("ORACLE_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", GetEnvOrDefault("ORACLE_TEST_UNSET", "fallback"))
}
