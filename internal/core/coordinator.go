package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/NaamaFrank/sqope/internal/store"
)

// Embedder computes query embeddings through the external embedding
// service.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// RequestState is one stage of the per-request pipeline.
type RequestState string

const (
	StateReceived     RequestState = "received"
	StateEmbedding    RequestState = "embedding"
	StateRetrieving   RequestState = "retrieving"
	StatePlanning     RequestState = "planning"
	StateExecuting    RequestState = "executing"
	StateSynthesizing RequestState = "synthesizing"
	StateCompleted    RequestState = "completed"
	StateFailed       RequestState = "failed"
)

const noDocumentsAnswer = "No relevant documents were found for your question."

// Coordinator runs the fixed per-request pipeline: embed, retrieve, plan,
// execute (skipped for semantic intent), synthesize. It holds no mutable
// state of its own, so one instance serves concurrent requests.
type Coordinator struct {
	embedder     Embedder
	retrieval    *RetrievalEngine
	planner      *Planner
	executor     *Executor
	synthesizer  *Synthesizer
	topK         int
	embedTimeout time.Duration
}

func NewCoordinator(embedder Embedder, retrieval *RetrievalEngine, planner *Planner, executor *Executor, synthesizer *Synthesizer, topK int, embedTimeout time.Duration) *Coordinator {
	if topK <= 0 {
		topK = 4
	}
	return &Coordinator{
		embedder:     embedder,
		retrieval:    retrieval,
		planner:      planner,
		executor:     executor,
		synthesizer:  synthesizer,
		topK:         topK,
		embedTimeout: embedTimeout,
	}
}

// Answer resolves one question end to end.
func (c *Coordinator) Answer(ctx context.Context, question string) (*Answer, error) {
	answer, _, err := c.Run(ctx, question)
	return answer, err
}

// Run is Answer plus the terminal pipeline state, for callers that need
// to observe where a request ended up.
func (c *Coordinator) Run(ctx context.Context, question string) (*Answer, RequestState, error) {
	reqID := uuid.NewString()
	state := StateReceived

	advance := func(next RequestState) {
		log.Printf("[req %s] %s -> %s", reqID, state, next)
		state = next
	}

	advance(StateEmbedding)
	queryEmbedding, err := c.embedQuestion(ctx, question)
	if err != nil {
		advance(StateFailed)
		return nil, state, err
	}

	advance(StateRetrieving)
	candidates, err := c.retrieval.Retrieve(queryEmbedding, c.topK, nil)
	if err != nil {
		advance(StateFailed)
		return nil, state, fmt.Errorf("retrieval failed: %w", err)
	}
	if len(candidates) == 0 {
		// An empty corpus is a normal, answerable state.
		advance(StateCompleted)
		return &Answer{Text: noDocumentsAnswer, Intent: IntentSemantic, Sources: []SourceRef{}}, state, nil
	}

	advance(StatePlanning)
	plan, err := c.planner.Plan(ctx, question, candidates)
	if err != nil {
		// The planner degrades internally; an error here still has a safe
		// answer in pure retrieval.
		log.Printf("[req %s] planner error (%v), using semantic fallback", reqID, err)
		plan = &Plan{Intent: IntentSemantic}
	}

	result := &QueryResult{Intent: plan.Intent, Passages: passagesFrom(candidates)}
	if plan.Intent != IntentSemantic {
		advance(StateExecuting)
		executed, err := c.executor.Execute(ctx, plan)
		var schemaErr *SchemaValidationError
		switch {
		case err == nil:
			result.Structured = executed.Structured
		case errors.As(err, &schemaErr):
			// Recovered locally: degrade to semantic rather than failing.
			log.Printf("[req %s] %v, falling back to semantic intent", reqID, err)
			plan = &Plan{Intent: IntentSemantic}
			result.Intent = IntentSemantic
		default:
			advance(StateFailed)
			return nil, state, err
		}
	}

	advance(StateSynthesizing)
	answer, err := c.synthesizer.Synthesize(ctx, question, plan, result)
	if err != nil {
		advance(StateFailed)
		return nil, state, fmt.Errorf("answer synthesis failed: %w", err)
	}

	advance(StateCompleted)
	return answer, state, nil
}

// embedQuestion calls the embedding service with a timeout, retrying once
// before surfacing a retryable upstream failure.
func (c *Coordinator) embedQuestion(ctx context.Context, question string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
		vec, err := c.embedder.GetEmbedding(cctx, question)
		cancel()
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// Caller gave up; abandon the call and discard any result.
			return nil, ctx.Err()
		}
		log.Printf("Embedding attempt %d failed: %v", attempt+1, err)
	}
	return nil, fmt.Errorf("%w: embedding service: %v", ErrUpstreamTimeout, lastErr)
}

// passagesFrom keeps the content-chunk candidates as answer passages,
// preserving retrieval order.
func passagesFrom(candidates []Candidate) []Passage {
	var passages []Passage
	for _, c := range candidates {
		if c.Kind != store.EmbeddingKindContent {
			continue
		}
		passages = append(passages, Passage{
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Content,
			Score:      c.Score,
		})
	}
	return passages
}
