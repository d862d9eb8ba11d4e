package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.Equal(t, "./rag.db", cfg.Store.Path)
	assert.Equal(t, 1000, cfg.RAG.ChunkSize)
	assert.Equal(t, 200, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 5, cfg.RAG.TopK)
	assert.Equal(t, 1536, cfg.EmbedLLM.Dimension)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  type: chromem
embed_llm:
  provider: ollama
  model: nomic-embed-text
  dimension: 768
rag:
  chunk_size: 200
  chunk_overlap: 20
  context_budget: 800
retry:
  max_attempts: 5
  base_delay: 250ms
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, StoreChromem, cfg.Store.Type)
	assert.Equal(t, "./chromemdb", cfg.Store.Path)
	assert.Equal(t, ProviderOllama, cfg.EmbedLLM.Provider)
	assert.Equal(t, 768, cfg.EmbedLLM.Dimension)
	assert.Equal(t, 200, cfg.RAG.ChunkSize)
	assert.Equal(t, 20, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 800, cfg.RAG.ContextBudget)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
}

func TestLoadConfig_ExplicitZeroIsKept(t *testing.T) {
	path := writeConfig(t, `
inference_llm:
  temperature: 0
rag:
  chunk_size: 400
  chunk_overlap: 0
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.InferenceLLM.Temperature)
	assert.Equal(t, 400, cfg.RAG.ChunkSize)
	assert.Zero(t, cfg.RAG.ChunkOverlap)
}

func TestLoadConfig_OverlapFollowsChunkSize(t *testing.T) {
	path := writeConfig(t, "rag:\n  chunk_size: 400\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.RAG.ChunkOverlap)
	assert.InDelta(t, 0.2, cfg.InferenceLLM.Temperature, 1e-9)
}

func TestLoadConfig_EnvSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DATABASE_URL", "postgres://rag@localhost:5432/rag")
	path := writeConfig(t, "store:\n  type: postgres\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.EmbedLLM.Key)
	assert.Equal(t, "sk-test", cfg.InferenceLLM.Key)
	assert.Equal(t, "postgres://rag@localhost:5432/rag", cfg.Database.DSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap not below chunk size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }},
		{"negative overlap", func(c *Config) { c.RAG.ChunkOverlap = -1 }},
		{"unknown store", func(c *Config) { c.Store.Type = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Store.Type = StorePostgres; c.Database.DSN = "" }},
		{"unknown provider", func(c *Config) { c.EmbedLLM.Provider = "cohere" }},
		{"zero budget", func(c *Config) { c.RAG.ContextBudget = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadConfig_SampleFile(t *testing.T) {
	cfg, err := LoadConfig("../../configs/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.Store.Type)
	assert.Equal(t, ProviderLangchainOpenAI, cfg.InferenceLLM.Provider)
	assert.Equal(t, 2*time.Minute, cfg.Retry.Deadline)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, int64(32), cfg.Server.MaxUploadMB)
}
