package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/NaamaFrank/sqope/internal/config"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"

	classifyPromptTemplate = "Classify this question into exactly one of these types:\n" +
		"- analytical: queries about numbers, statistics, calculations, comparisons (e.g. \"What was revenue in Q4?\", \"Show top 5 products\", \"Calculate growth rate\")\n" +
		"- hybrid: queries requesting both analysis AND explanation (e.g. \"Why did revenue drop in Q4?\", \"Explain the sales trends\", \"What insights can you derive from the Q4 numbers?\")\n" +
		"- text: descriptive queries without numeric focus (e.g. \"What is our business strategy?\", \"Describe our products\", \"Who are our competitors?\")\n\n" +
		"Respond with ONLY the type (analytical/hybrid/text).\n\n" +
		"Question: %s\nType:"

	planPromptTemplate = "You are a planner over JSON rows.\n" +
		"Return STRICT JSON using ONLY column IDs.\n\n" +
		"Available schema (IDs, names, kinds) and tiny samples:\n%s\n\n" +
		"Return JSON keys:\n" +
		"operation: one of [\"select\",\"count\",\"sum\",\"avg\",\"min\",\"max\",\"group_by\"]\n" +
		"columns: array of integers (column IDs)\n" +
		"filters: array of {\"col_id\": integer, \"op\": one of [\"eq\",\"neq\",\"lt\",\"lte\",\"gt\",\"gte\",\"contains\"], \"value\": string}\n" +
		"group_by: optional integer (column ID)\n" +
		"group_func: optional, one of [\"count\",\"sum\",\"avg\",\"min\",\"max\"]\n\n" +
		"Rules:\n" +
		"- Use ONLY provided column IDs. Do NOT invent columns.\n" +
		"- Aggregations (sum/avg/min/max) MUST use numeric IDs.\n" +
		"- Temporal filters (year/quarter/time) MUST use temporal IDs.\n" +
		"- If unsure, OMIT filters rather than guessing.\n" +
		"- DO NOT put final numbers in the JSON; we will compute.\n\n" +
		"Question: %s\nSTRICT JSON:"

	composeSystemInstruction = "You are a helpful assistant answering questions over ingested documents. " +
		"Answer using ONLY the provided context. If the answer is not found in the context, " +
		"clearly state that you don't have the information. Keep answers concise. " +
		"Never change or round any numeric value given to you as an analytical finding."
)

// LLMService wraps the Gemini client behind the three external roles the
// core consumes: embedding computation, planner advisory and answer
// composition. Advisory output is always treated as untrusted input.
type LLMService struct {
	client *genai.Client
}

func NewLLMService() *LLMService {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.AppConfig.GeminiAPIKey))
	if err != nil {
		log.Fatalf("Failed to create GenAI client: %v", err)
	}

	return &LLMService{
		client: client,
	}
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

// GetEmbedding computes the fixed-dimension embedding of a text.
func (s *LLMService) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(defaultEmbeddingModelName)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// ClassifyIntent asks the model for a question-type label. The caller
// normalizes and validates the returned text; anything unrecognized is
// treated as semantic.
func (s *LLMService) ClassifyIntent(ctx context.Context, question string) (string, error) {
	return s.generate(ctx, fmt.Sprintf(classifyPromptTemplate, question), "", 0.0, 16)
}

// SuggestPlan asks the model for a structured plan fragment over the given
// column-id schema. The raw text is returned as-is; the planner owns JSON
// extraction and schema validation.
func (s *LLMService) SuggestPlan(ctx context.Context, question, schemaJSON string) (string, error) {
	return s.generate(ctx, fmt.Sprintf(planPromptTemplate, schemaJSON, question), "", 0.0, 512)
}

// Compose produces a grounded narrative answer from a context-bearing
// prompt built by the synthesizer.
func (s *LLMService) Compose(ctx context.Context, prompt string) (string, error) {
	return s.generate(ctx, prompt, composeSystemInstruction, 0.2, 512)
}

func (s *LLMService) generate(ctx context.Context, prompt, systemInstruction string, temperature float32, maxTokens int32) (string, error) {
	model := s.client.GenerativeModel(defaultChatModelName)

	if systemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemInstruction)},
		}
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temperature,
		MaxOutputTokens: &maxTokens,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini response was empty or had no valid candidates")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}

	if responseText.Len() == 0 {
		return "", fmt.Errorf("gemini response contained no text parts")
	}

	return strings.TrimSpace(responseText.String()), nil
}
