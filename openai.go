package chatmem

import (
	"context"
	"errors"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedder implements Embedder against the OpenAI embeddings API or
// any OpenAI-compatible endpoint (set a base URL).
type OpenAIEmbedder struct {
	client     openai.Client
	model      string
	dimensions int
}

// OpenAIOption configures an OpenAIEmbedder.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL    string
	dimensions int
}

// WithOpenAIBaseURL points the embedder at an OpenAI-compatible server.
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = u }
}

// WithOpenAIDimensions requests shortened vectors from models that support it.
func WithOpenAIDimensions(n int) OpenAIOption {
	return func(c *openAIConfig) { c.dimensions = n }
}

// NewOpenAIEmbedder creates an embedder for the given API key and model.
// SDK-level retries are disabled; Provider owns the retry policy.
func NewOpenAIEmbedder(apiKey, model string, opts ...OpenAIOption) *OpenAIEmbedder {
	var cfg openAIConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIEmbedder{
		client:     openai.NewClient(reqOpts...),
		model:      model,
		dimensions: cfg.dimensions,
	}
}

// Model returns the configured model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed generates vector embeddings for the given texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(e.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
		return nil, goerr.Wrap(err, "openai embed", goerr.V("model", e.model))
	}
	if len(resp.Data) != len(texts) {
		return nil, goerr.New("openai embed: count mismatch",
			goerr.V("got", len(resp.Data)), goerr.V("want", len(texts)))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
