// Package tokenizertest provides a deterministic offline tokenizer for tests.
package tokenizertest

import (
	"regexp"
	"strings"
	"sync"
)

var pieceRe = regexp.MustCompile(`^\s+|\S+\s*`)

// Words treats every whitespace-delimited word, together with the whitespace
// that follows it, as one token. Decode(Encode(s)) == s.
type Words struct {
	mu    sync.Mutex
	ids   map[string]int
	words []string
}

func New() *Words {
	return &Words{ids: map[string]int{}}
}

func (w *Words) Encode(text string) []int {
	pieces := pieceRe.FindAllString(text, -1)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(pieces))
	for i, p := range pieces {
		id, ok := w.ids[p]
		if !ok {
			id = len(w.words)
			w.ids[p] = id
			w.words = append(w.words, p)
		}
		out[i] = id
	}
	return out
}

func (w *Words) Decode(tokens []int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var b strings.Builder
	for _, t := range tokens {
		if t >= 0 && t < len(w.words) {
			b.WriteString(w.words[t])
		}
	}
	return b.String()
}

func (w *Words) Count(text string) int {
	return len(pieceRe.FindAllString(text, -1))
}
