package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-backend/internal/tokenizer/tokenizertest"
)

func TestForModel_RoundTrip(t *testing.T) {
	tk, err := ForModel("text-embedding-3-small")
	require.NoError(t, err)

	text := "Carl ran the post office in Merrowood."
	tokens := tk.Encode(text)
	require.NotEmpty(t, tokens)
	assert.Equal(t, text, tk.Decode(tokens))
	assert.Equal(t, len(tokens), tk.Count(text))

	again, err := ForModel("text-embedding-3-small")
	require.NoError(t, err)
	assert.Same(t, tk, again)
}

func TestForModel_UnknownModelFallsBack(t *testing.T) {
	tk, err := ForModel("nomic-embed-text")
	require.NoError(t, err)
	assert.Equal(t, "cl100k_base", tk.Name())
	assert.Equal(t, "Merrowood 😀 鬱", tk.Decode(tk.Encode("Merrowood 😀 鬱")))
}

func TestWords_RoundTrip(t *testing.T) {
	var tk Tokenizer = tokenizertest.New()

	text := "  First paragraph here.\n\nSecond one, with more words!"
	tokens := tk.Encode(text)
	assert.Equal(t, text, tk.Decode(tokens))
	assert.Equal(t, 9, tk.Count(text))
	assert.Equal(t, tk.Encode("here."), tk.Encode("here."))
}
