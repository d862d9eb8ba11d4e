package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	StorePostgres = "postgres"
	StoreChromem  = "chromem"
	StoreSQLite   = "sqlite"

	ProviderOpenAI          = "openai"
	ProviderOllama          = "ollama"
	ProviderLangchainOpenAI = "langchain-openai"
)

type Config struct {
	Database     DatabaseConfig `yaml:"database"`
	Store        StoreConfig    `yaml:"store"`
	EmbedLLM     LLMConfig      `yaml:"embed_llm"`
	InferenceLLM LLMConfig      `yaml:"inference_llm"`
	RAG          RAGConfig      `yaml:"rag"`
	Retry        RetryConfig    `yaml:"retry"`
	Server       ServerConfig   `yaml:"server"`
	Log          LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	// Driver is "pgdriver" (default) or "pq".
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Debug        bool   `yaml:"debug"`
}

type StoreConfig struct {
	Type           string `yaml:"type"`
	Path           string `yaml:"path"`
	CollectionName string `yaml:"collection_name"`
	Compress       bool   `yaml:"compress"`
	EncryptionKey  string `yaml:"encryption_key"`
}

// LLMConfig describes a model endpoint. Dimension is only meaningful for
// embedding models.
type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	Key         string        `yaml:"key"`
	Model       string        `yaml:"model"`
	Dimension   int           `yaml:"dimension"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

type RAGConfig struct {
	ChunkSize      int     `yaml:"chunk_size"`
	ChunkOverlap   int     `yaml:"chunk_overlap"`
	TopK           int     `yaml:"top_k"`
	ContextBudget  int     `yaml:"context_budget"`
	MinScore       float64 `yaml:"min_score"`
	BatchSize      int     `yaml:"batch_size"`
	MaxBatchTokens int     `yaml:"max_batch_tokens"`
	Concurrency    int     `yaml:"concurrency"`
	UploadDir      string  `yaml:"upload_dir"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Deadline    time.Duration `yaml:"deadline"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxUploadMB  int64         `yaml:"max_upload_mb"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// explicitKeys records settings whose zero value is meaningful and whose
// default depends on another setting.
type explicitKeys struct {
	RAG struct {
		ChunkOverlap *int `yaml:"chunk_overlap"`
	} `yaml:"rag"`
}

// LoadConfig reads the yaml file at path, overlays secrets from the
// environment (and a .env file when present) and fills defaults. Defaults are
// laid down before the file is decoded, so an explicit zero such as
// temperature: 0 or chunk_overlap: 0 is kept.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}
	applyDefaults(cfg)

	var keys explicitKeys
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDerived(cfg, keys)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyDerived(cfg, explicitKeys{})
	return cfg
}

// applyDerived fills settings whose default depends on other settings.
func applyDerived(cfg *Config, keys explicitKeys) {
	if cfg.Store.Path == "" {
		switch cfg.Store.Type {
		case StoreChromem:
			cfg.Store.Path = "./chromemdb"
		case StoreSQLite:
			cfg.Store.Path = "./rag.db"
		}
	}
	if keys.RAG.ChunkOverlap == nil {
		cfg.RAG.ChunkOverlap = cfg.RAG.ChunkSize / 5
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if cfg.EmbedLLM.Key == "" {
			cfg.EmbedLLM.Key = v
		}
		if cfg.InferenceLLM.Key == "" {
			cfg.InferenceLLM.Key = v
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("STORE_ENCRYPTION_KEY"); v != "" {
		cfg.Store.EncryptionKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "pgdriver"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = StoreSQLite
	}
	if cfg.Store.CollectionName == "" {
		cfg.Store.CollectionName = "document_chunks"
	}

	if cfg.EmbedLLM.Provider == "" {
		cfg.EmbedLLM.Provider = ProviderOpenAI
	}
	if cfg.EmbedLLM.Model == "" {
		cfg.EmbedLLM.Model = "text-embedding-3-small"
	}
	if cfg.EmbedLLM.Dimension == 0 {
		cfg.EmbedLLM.Dimension = 1536
	}
	if cfg.EmbedLLM.Timeout == 0 {
		cfg.EmbedLLM.Timeout = 10 * time.Second
	}
	if cfg.InferenceLLM.Provider == "" {
		cfg.InferenceLLM.Provider = ProviderLangchainOpenAI
	}
	if cfg.InferenceLLM.Model == "" {
		cfg.InferenceLLM.Model = "gpt-3.5-turbo"
	}
	if cfg.InferenceLLM.Temperature == 0 {
		cfg.InferenceLLM.Temperature = 0.2
	}
	if cfg.InferenceLLM.MaxTokens == 0 {
		cfg.InferenceLLM.MaxTokens = 300
	}
	if cfg.InferenceLLM.Timeout == 0 {
		cfg.InferenceLLM.Timeout = 15 * time.Second
	}

	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = 1000
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 5
	}
	if cfg.RAG.ContextBudget == 0 {
		cfg.RAG.ContextBudget = 3000
	}
	if cfg.RAG.BatchSize == 0 {
		cfg.RAG.BatchSize = 20
	}
	if cfg.RAG.MaxBatchTokens == 0 {
		cfg.RAG.MaxBatchTokens = 300000
	}
	if cfg.RAG.Concurrency == 0 {
		cfg.RAG.Concurrency = 4
	}
	if cfg.RAG.UploadDir == "" {
		cfg.RAG.UploadDir = "./uploads"
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Retry.Deadline == 0 {
		cfg.Retry.Deadline = 2 * time.Minute
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 3 * time.Minute
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = 32
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate rejects settings the pipeline cannot honour.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StorePostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres store")
		}
	case StoreChromem, StoreSQLite:
	default:
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
	switch c.EmbedLLM.Provider {
	case ProviderOpenAI, ProviderOllama, ProviderLangchainOpenAI:
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.EmbedLLM.Provider)
	}
	switch c.InferenceLLM.Provider {
	case ProviderOllama, ProviderLangchainOpenAI, ProviderOpenAI:
	default:
		return fmt.Errorf("unsupported inference provider: %s", c.InferenceLLM.Provider)
	}
	if c.EmbedLLM.Dimension <= 0 {
		return errors.New("embed_llm.dimension must be positive")
	}
	if c.RAG.ChunkSize <= 0 {
		return errors.New("rag.chunk_size must be positive")
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, %d)", c.RAG.ChunkSize)
	}
	if c.RAG.TopK <= 0 {
		return errors.New("rag.top_k must be positive")
	}
	if c.RAG.ContextBudget <= 0 {
		return errors.New("rag.context_budget must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	return nil
}
