package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/rs/zerolog/log"
)

const fallbackEncoding = "cl100k_base"

// The BPE ranks are compiled in, so resolving an encoding never reaches the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer encodes text into the token ids of the embedding model family.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

// Tiktoken wraps a tiktoken encoding. The encoding is safe for concurrent use.
type Tiktoken struct {
	enc  *tiktoken.Tiktoken
	name string
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*Tiktoken{}
)

// ForModel returns the tokenizer used by the given model, falling back to
// cl100k_base for models tiktoken does not know about.
func ForModel(model string) (*Tiktoken, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if tk, ok := cache[model]; ok {
		return tk, nil
	}

	name := model
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		log.Debug().Str("model", model).Msgf("No tiktoken encoding for model, using %s", fallbackEncoding)
		name = fallbackEncoding
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load encoding %s: %w", fallbackEncoding, err)
		}
	}

	tk := &Tiktoken{enc: enc, name: name}
	cache[model] = tk
	return tk, nil
}

func (t *Tiktoken) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *Tiktoken) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

func (t *Tiktoken) Count(text string) int {
	return len(t.Encode(text))
}

// Name is the model or encoding the tokenizer was resolved from.
func (t *Tiktoken) Name() string {
	return t.name
}
