package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIEngine generates embeddings using Google's Gemini API.
type GenAIEngine struct {
	client *genai.Client
	model  string
}

// NewGenAIEngine creates a new GenAI embedding engine.
func NewGenAIEngine(apiKey, model string) (*GenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEngine{client: client, model: model}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}

// EmbedBatch generates embeddings for multiple texts using the native batch
// endpoint.
func (e *GenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"})
	if err != nil {
		return nil, fmt.Errorf("GenAI batch embed failed: %w", err)
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		embeddings[i] = emb.Values
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimensionality. gemini-embedding-001
// produces 768-dimensional vectors.
func (e *GenAIEngine) Dimensions() int {
	return 768
}

// Name returns the engine name.
func (e *GenAIEngine) Name() string {
	return fmt.Sprintf("genai:%s", e.model)
}
