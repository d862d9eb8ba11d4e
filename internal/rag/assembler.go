package rag

import (
	"fmt"

	"rag-backend/internal/models"
	"rag-backend/internal/tokenizer"
)

// Assembler packs ranked chunks into a token budget.
type Assembler struct {
	tk tokenizer.Tokenizer
}

func NewAssembler(tk tokenizer.Tokenizer) *Assembler {
	return &Assembler{tk: tk}
}

// Assemble walks results in rank order and keeps whole chunks while they fit
// in budget. An entry costs the tokens of its rendered form, source line
// included. The first result is always kept, even when it alone is over budget.
func (a *Assembler) Assemble(results []models.SearchResult, budget int) models.AssembledContext {
	var (
		ac   models.AssembledContext
		seen = make(map[string]bool)
	)
	for i, r := range results {
		cost := a.cost(r)
		if i > 0 && ac.TotalTokens+cost > budget {
			break
		}
		ac.Entries = append(ac.Entries, models.ContextEntry{
			Content:        r.Chunk.Content,
			SourceFilename: r.SourceFilename,
			TokenCount:     cost,
		})
		ac.TotalTokens += cost
		if !seen[r.SourceFilename] {
			seen[r.SourceFilename] = true
			ac.Sources = append(ac.Sources, r.SourceFilename)
		}
		if ac.TotalTokens >= budget {
			break
		}
	}
	return ac
}

func (a *Assembler) cost(r models.SearchResult) int {
	prefix := a.tk.Count(fmt.Sprintf(models.SourcePrefix, r.SourceFilename) + models.ContextSeparator)
	if r.Chunk.TokenCount > 0 {
		return prefix + r.Chunk.TokenCount
	}
	return prefix + a.tk.Count(r.Chunk.Content)
}
