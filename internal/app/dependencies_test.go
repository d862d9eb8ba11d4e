package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"rag-backend/internal/config"
	"rag-backend/internal/embedding/embeddingtest"
	"rag-backend/internal/rag"
	"rag-backend/internal/tokenizer/tokenizertest"
)

type cannedModel struct {
	answer  string
	prompts []string
}

func (m *cannedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				m.prompts = append(m.prompts, text.Text)
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.answer}}}, nil
}

func (m *cannedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func testConfig(t *testing.T, storeType string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Type = storeType
	cfg.Store.Path = filepath.Join(dir, "store")
	cfg.EmbedLLM.Dimension = 32
	cfg.RAG.ChunkSize = 50
	cfg.RAG.ChunkOverlap = 5
	cfg.RAG.UploadDir = filepath.Join(dir, "uploads")
	return cfg
}

func newTestDependencies(t *testing.T, cfg *config.Config, model llms.Model) *Dependencies {
	t.Helper()
	d, err := NewDependencies(context.Background(), cfg,
		WithTokenizer(tokenizertest.New()),
		WithEmbeddingProvider(embeddingtest.NewHashProvider(cfg.EmbedLLM.Dimension)),
		WithCompletionModel(model),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewDependencies_WiresPipeline(t *testing.T) {
	for _, storeType := range []string{config.StoreSQLite, config.StoreChromem} {
		t.Run(storeType, func(t *testing.T) {
			ctx := context.Background()
			model := &cannedModel{answer: "The baker."}
			d := newTestDependencies(t, testConfig(t, storeType), model)
			assert.Equal(t, storeType == config.StoreChromem, d.Chromem != nil)
			assert.Nil(t, d.Postgres)

			up, err := d.Service.Upload(ctx, "town.txt", strings.NewReader("The baker opened the shop at dawn. The blacksmith worked late."))
			require.NoError(t, err)
			assert.Equal(t, 1, up.Chunks)

			resp, err := d.Service.Query(ctx, rag.Question{Text: "Who opened the shop?"})
			require.NoError(t, err)
			assert.Equal(t, "The baker.", resp.Content)
			assert.Equal(t, []string{"town.txt"}, resp.Citations)
			require.NotEmpty(t, model.prompts)
			assert.Contains(t, model.prompts[len(model.prompts)-1], "[source: town.txt]")
		})
	}
}

func TestNewDependencies_UnknownStore(t *testing.T) {
	cfg := testConfig(t, "redis")
	_, err := NewDependencies(context.Background(), cfg,
		WithTokenizer(tokenizertest.New()),
		WithEmbeddingProvider(embeddingtest.NewHashProvider(cfg.EmbedLLM.Dimension)),
	)
	assert.ErrorContains(t, err, "unsupported store type")
}

func TestClose_IsIdempotent(t *testing.T) {
	d := newTestDependencies(t, testConfig(t, config.StoreSQLite), &cannedModel{})
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Nil(t, d.Store)
}
