package chunker

import (
	"strings"
	"unicode/utf8"

	"rag-backend/internal/tokenizer"
)

const (
	// MaxInputTokens is the input limit of the OpenAI embedding models.
	MaxInputTokens = 8191

	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

type boundary uint8

const (
	noBoundary boundary = iota
	sentenceBoundary
	paragraphBoundary
)

// Piece is one chunk of a document. Start and End are offsets into the
// token sequence of the whole document, End exclusive.
type Piece struct {
	Text       string
	TokenCount int
	Start      int
	End        int
}

// Chunker splits text into overlapping token windows, preferring to end a
// window on a paragraph or sentence boundary.
type Chunker struct {
	tk        tokenizer.Tokenizer
	maxTokens int
}

type Option func(*Chunker)

// WithMaxTokens caps the window size, normally at the embedding model's input limit.
func WithMaxTokens(n int) Option {
	return func(c *Chunker) {
		c.maxTokens = n
	}
}

func New(tk tokenizer.Tokenizer, opts ...Option) *Chunker {
	c := &Chunker{tk: tk, maxTokens: MaxInputTokens}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tokenizer returns the tokenizer chunk sizes are measured with.
func (c *Chunker) Tokenizer() tokenizer.Tokenizer {
	return c.tk
}

// Chunk splits text into windows of at most targetTokens tokens where
// consecutive windows share exactly overlapTokens tokens. Cuts never split a
// multi-byte character; when one would, the window ends early and the overlap
// shrinks by the partial character's tokens. Empty text and text that fits in
// one window come back as a single piece holding the whole text.
func (c *Chunker) Chunk(text string, targetTokens, overlapTokens int) []Piece {
	targetTokens, overlapTokens = c.normalize(targetTokens, overlapTokens)

	tokens := c.tk.Encode(text)
	n := len(tokens)
	if n <= targetTokens {
		return []Piece{{Text: text, TokenCount: n, Start: 0, End: n}}
	}

	bounds, runeStart := c.boundaries(tokens)

	var pieces []Piece
	start := 0
	for {
		end := start + targetTokens
		if end >= n {
			pieces = append(pieces, c.piece(tokens, start, n))
			break
		}
		end = cutPoint(bounds, start, end, targetTokens, overlapTokens)
		end = alignEnd(runeStart, start, end)
		pieces = append(pieces, c.piece(tokens, start, end))
		if end >= n {
			break
		}
		start = alignStart(runeStart, start, end, end-overlapTokens)
	}
	return pieces
}

// alignEnd moves a cut back to the nearest position that does not split a
// multi-byte character, or forward when the window holds no such position.
func alignEnd(runeStart []bool, start, end int) int {
	for p := end; p > start; p-- {
		if runeStart[p] {
			return p
		}
	}
	for p := end + 1; p < len(runeStart); p++ {
		if runeStart[p] {
			return p
		}
	}
	return len(runeStart) - 1
}

// alignStart moves the start of the next window forward onto a character
// start, keeping it ahead of prev. The overlap shrinks by the tokens skipped.
func alignStart(runeStart []bool, prev, end, next int) int {
	if next <= prev {
		next = prev + 1
	}
	for p := next; p < end; p++ {
		if runeStart[p] {
			return p
		}
	}
	return end
}

func (c *Chunker) normalize(target, overlap int) (int, int) {
	if target <= 0 {
		target = DefaultChunkSize
	}
	if c.maxTokens > 0 && target > c.maxTokens {
		target = c.maxTokens
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= target {
		overlap = target / 2
	}
	return target, overlap
}

func (c *Chunker) piece(tokens []int, start, end int) Piece {
	return Piece{
		Text:       strings.TrimSpace(c.tk.Decode(tokens[start:end])),
		TokenCount: end - start,
		Start:      start,
		End:        end,
	}
}

// boundaries classifies every cut position p (between token p-1 and token p)
// and reports whether p falls on the first byte of a character. Byte-level
// BPE tokens can end partway through a character.
func (c *Chunker) boundaries(tokens []int) ([]boundary, []bool) {
	texts := make([]string, len(tokens))
	for i, t := range tokens {
		texts[i] = c.tk.Decode([]int{t})
	}

	runeStart := make([]bool, len(tokens)+1)
	runeStart[0], runeStart[len(tokens)] = true, true
	for p := 1; p < len(tokens); p++ {
		runeStart[p] = texts[p] != "" && utf8.RuneStart(texts[p][0])
	}

	bounds := make([]boundary, len(tokens)+1)
	for p := 1; p < len(tokens); p++ {
		prev, next := texts[p-1], texts[p]
		switch {
		case strings.Contains(prev, "\n\n"),
			strings.HasSuffix(prev, "\n") && strings.HasPrefix(next, "\n"):
			bounds[p] = paragraphBoundary
		case endsSentence(prev) && (hasTrailingSpace(prev) || startsWithSpace(next)),
			strings.HasSuffix(prev, "\n"):
			bounds[p] = sentenceBoundary
		}
	}
	return bounds, runeStart
}

// cutPoint picks where the window starting at start should end. It searches
// the back half of the window for a paragraph break, then a sentence break,
// and falls back to the hard limit. The cut always lies past start+overlap
// so the next window makes progress.
func cutPoint(bounds []boundary, start, limit, target, overlap int) int {
	floor := start + overlap + 1
	if half := start + target/2; half > floor {
		floor = half
	}
	for _, want := range []boundary{paragraphBoundary, sentenceBoundary} {
		for p := limit; p >= floor; p-- {
			if bounds[p] == want {
				return p
			}
		}
	}
	return limit
}

func endsSentence(s string) bool {
	s = strings.TrimRight(s, " \t\r\n\"')”’")
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

func hasTrailingSpace(s string) bool {
	return s != strings.TrimRight(s, " \t\r\n")
}

func startsWithSpace(s string) bool {
	return s != strings.TrimLeft(s, " \t\r\n")
}

// Stats summarises a chunking run for logging.
type Stats struct {
	TotalTokens int
	ChunkCount  int
	AvgTokens   float64
	MinTokens   int
	MaxTokens   int
}

func Summarize(pieces []Piece) Stats {
	var s Stats
	s.ChunkCount = len(pieces)
	if len(pieces) == 0 {
		return s
	}
	s.MinTokens = pieces[0].TokenCount
	sum := 0
	for _, p := range pieces {
		sum += p.TokenCount
		s.MinTokens = min(s.MinTokens, p.TokenCount)
		s.MaxTokens = max(s.MaxTokens, p.TokenCount)
	}
	s.TotalTokens = pieces[len(pieces)-1].End
	s.AvgTokens = float64(sum) / float64(len(pieces))
	return s
}
