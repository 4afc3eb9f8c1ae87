package chatmem

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// Gemini task types for asymmetric retrieval.
const (
	geminiTaskDocument = "RETRIEVAL_DOCUMENT"
	geminiTaskQuery    = "RETRIEVAL_QUERY"
)

// GeminiEmbedder implements Embedder and QueryEmbedder with the Gemini API.
// Documents and queries use the model's native retrieval task types, so no
// text prefixes are needed.
type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// NewGeminiEmbedder creates a Gemini API client. dimensions > 0 requests a
// reduced output dimensionality.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dimensions int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	return &GeminiEmbedder{client: client, model: model, dimensions: int32(dimensions)}, nil
}

// Model returns the Gemini embedding model name.
func (e *GeminiEmbedder) Model() string { return e.model }

// Embed embeds texts as retrieval documents.
func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, geminiTaskDocument)
}

// EmbedQuery embeds texts as retrieval queries.
func (e *GeminiEmbedder) EmbedQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, geminiTaskQuery)
}

func (e *GeminiEmbedder) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.Text(t)...)
	}

	cfg := &genai.EmbedContentConfig{TaskType: task}
	if e.dimensions > 0 {
		dim := e.dimensions
		cfg.OutputDimensionality = &dim
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", e.model))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, goerr.New("gemini embed: count mismatch",
			goerr.V("got", len(resp.Embeddings)), goerr.V("want", len(texts)))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}
