package rag

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"rag-backend/internal/models"
)

// State is a step of answering one question.
type State int

const (
	StateIdle State = iota
	StateEmbedding
	StateRetrieving
	StateAssembling
	StateGenerating
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEmbedding:
		return "embedding"
	case StateRetrieving:
		return "retrieving"
	case StateAssembling:
		return "assembling"
	case StateGenerating:
		return "generating"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Completer is the chat model.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Question is one query. A nil DocumentIDs searches every document, a
// non-nil empty one is an error. TopK <= 0 uses the orchestrator default.
type Question struct {
	Text          string
	DocumentIDs   []string
	TopK          int
	IncludeChunks bool
}

// Orchestrator answers questions from retrieved context.
type Orchestrator struct {
	retriever *Retriever
	assembler *Assembler
	completer Completer
	topK      int
	budget    int
	observe   func(from, to State)
}

type OrchestratorOption func(*Orchestrator)

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(from, to State)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observe = fn
	}
}

func NewOrchestrator(retriever *Retriever, assembler *Assembler, completer Completer, topK, budget int, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		retriever: retriever,
		assembler: assembler,
		completer: completer,
		topK:      topK,
		budget:    budget,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type run struct {
	o     *Orchestrator
	state State
}

func (r *run) to(next State) {
	log.Debug().Stringer("from", r.state).Stringer("to", next).Msg("Query state")
	if r.o.observe != nil {
		r.o.observe(r.state, next)
	}
	r.state = next
}

func (r *run) fail(err error) error {
	r.to(StateErrored)
	return err
}

// Answer runs a question through embedding, retrieval, assembly and
// generation. When nothing relevant is retrieved the fixed no-information
// answer is returned and the model is not called.
func (o *Orchestrator) Answer(ctx context.Context, q Question) (*models.PromptResponse, error) {
	r := &run{o: o, state: StateIdle}
	topK := q.TopK
	if topK <= 0 {
		topK = o.topK
	}

	r.to(StateEmbedding)
	if err := checkRequest(q.Text, topK, q.DocumentIDs); err != nil {
		return nil, r.fail(err)
	}
	vec, err := o.retriever.embed(ctx, q.Text)
	if err != nil {
		return nil, r.fail(err)
	}

	r.to(StateRetrieving)
	results, err := o.retriever.search(ctx, vec, topK, q.DocumentIDs)
	if err != nil {
		return nil, r.fail(err)
	}

	r.to(StateAssembling)
	assembled := o.assembler.Assemble(results, o.budget)
	resp := &models.PromptResponse{Query: q.Text, Citations: []string{}}
	if q.IncludeChunks {
		resp.Chunks = results
	}
	if assembled.Empty() {
		resp.Content = models.NoInformationAnswer
		resp.Reason = models.KindInsufficientContext
		r.to(StateDone)
		return resp, nil
	}

	r.to(StateGenerating)
	answer, err := o.complete(ctx, fmt.Sprintf(models.AnswerPromptTemplate, assembled.Text(), q.Text))
	if err != nil {
		return nil, r.fail(err)
	}

	resp.Content = answer
	resp.Citations = assembled.Sources
	resp.Grounded = true
	r.to(StateDone)
	log.Info().Int("chunks", len(assembled.Entries)).Int("context_tokens", assembled.TotalTokens).Strs("sources", assembled.Sources).Msg("Answered query")
	return resp, nil
}

// complete calls the model, retrying once.
func (o *Orchestrator) complete(ctx context.Context, prompt string) (string, error) {
	const op = "rag.generate"
	answer, err := o.completer.Complete(ctx, prompt)
	if err == nil {
		return answer, nil
	}
	if ctx.Err() == nil {
		log.Warn().Err(err).Msg("Completion failed, retrying once")
		answer, err = o.completer.Complete(ctx, prompt)
		if err == nil {
			return answer, nil
		}
	}
	if models.KindOf(err) == models.KindCompletionUnavailable {
		return "", err
	}
	return "", models.NewError(models.KindCompletionUnavailable, op, err)
}
