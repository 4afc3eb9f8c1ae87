// Package chatmem is the local semantic-memory core of an LLM chat client:
// it embeds conversation messages, stores vectors next to them, ranks them by
// cosine similarity, and keeps a key/value memory store that an assistant can
// read and write through function calls. The caller provides the *sql.DB;
// chatmem creates its own namespaced tables (chatmem_*).
package chatmem

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Model returns a stable identifier for the embedding model (e.g.
	// "nomic-embed-text"). Stored vectors are tagged with it so a model
	// change marks them for re-embedding.
	Model() string
}

// QueryEmbedder is implemented by backends with a native query-side task
// type for asymmetric retrieval. Its vectors must have the same dimension
// as Embed's.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, texts []string) ([][]float32, error)
}

// DownloadProgressFunc receives model acquisition progress in [0, 100].
type DownloadProgressFunc func(percent float64)

// Preparer is implemented by backends that must acquire a model (download,
// load) before the first embedding call.
type Preparer interface {
	Prepare(ctx context.Context, progress DownloadProgressFunc) error
}

// retryPolicy caps retries for transient failures. Total attempts = maxRetries + 1.
type retryPolicy struct {
	maxRetries int
	delay      time.Duration // linear backoff unit
}

// do runs fn, retrying transient failures. Returns immediately on context
// cancellation or on an error IsTransient rejects.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := range p.maxRetries + 1 {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == p.maxRetries || !IsTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return goerr.Wrap(ctx.Err(), "retry aborted", goerr.V("last_error", err.Error()))
		case <-time.After(p.delay * time.Duration(attempt+1)):
		}
	}
	return err
}

// embedWithRetry calls e.Embed (or EmbedQuery when query is set and the
// backend supports it) under the retry policy.
func embedWithRetry(ctx context.Context, e Embedder, texts []string, query bool, policy retryPolicy) ([][]float32, error) {
	var result [][]float32
	err := policy.do(ctx, func() error {
		var err error
		if qe, ok := e.(QueryEmbedder); ok && query {
			result, err = qe.EmbedQuery(ctx, texts)
		} else {
			result, err = e.Embed(ctx, texts)
		}
		return err
	})
	if err != nil {
		return nil, goerr.Wrap(err, "embedding failed", goerr.V("model", e.Model()), goerr.V("attempts_max", policy.maxRetries+1))
	}
	return result, nil
}
