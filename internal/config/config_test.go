package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Embeddings.BaseURL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.ProductionMode)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/docqa
server:
  port: 9000
retrieval:
  top_k: 3
archive:
  endpoint: minio:9000
  bucket: docqa-sessions
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/docqa", cfg.DataDir)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, "minio:9000", cfg.Archive.Endpoint)
	assert.Equal(t, "docqa-sessions", cfg.Archive.Bucket)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	t.Setenv("DOCQA_SERVER_PORT", "9100")
	t.Setenv("DOCQA_OPENAI_API_KEY", "sk-test")
	t.Setenv("DOCQA_DATA_DIR", "/tmp/docqa")
	t.Setenv("DOCQA_PRODUCTION_MODE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, "/tmp/docqa", cfg.DataDir)
	assert.True(t, cfg.ProductionMode)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestTransformEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DOCQA_SERVER_PORT", "server.port"},
		{"DOCQA_OPENAI_API_KEY", "openai.api_key"},
		{"DOCQA_EMBEDDINGS_BASE_URL", "embeddings.base_url"},
		{"DOCQA_DATA_DIR", "data_dir"},
		{"DOCQA_PRODUCTION_MODE", "production_mode"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, transformEnvKey(tt.in), tt.in)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{OpenAI: OpenAIConfig{APIKey: "sk-test"}}
		cfg.ApplyDefaults()
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing api key", func(t *testing.T) {
		cfg := base()
		cfg.OpenAI.APIKey = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("production requires archive", func(t *testing.T) {
		cfg := base()
		cfg.ProductionMode = true
		assert.Error(t, cfg.Validate())

		cfg.Archive.Endpoint = "minio:9000"
		assert.NoError(t, cfg.Validate())
	})
}
