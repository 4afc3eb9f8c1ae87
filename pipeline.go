package chatmem

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/matthewjhunter/chatmem/internal/logging"
)

// PipelineProgress is reported after every processed message.
type PipelineProgress struct {
	Processed int
	Total     int
	Label     string        // short preview of the message just processed
	Remaining time.Duration // extrapolated from the mean time per item so far
}

// ProgressFunc receives pipeline progress. Calls are serialized and
// Processed strictly increases across calls.
type ProgressFunc func(PipelineProgress)

// PipelineResult summarizes a GenerateMissing run.
type PipelineResult struct {
	RunID          string
	Success        bool
	TotalProcessed int
	Successful     int
	Failed         int
	Elapsed        time.Duration
	Err            error // systemic failure or cancellation; nil otherwise
}

// ErrorMessage returns Err's text, or "" when the run had no systemic error.
func (r PipelineResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// PipelineConfig tunes a Pipeline.
type PipelineConfig struct {
	Concurrency int // parallel embedding calls; default 1

	// InitProgress receives model download progress while the pipeline
	// initializes the provider.
	InitProgress DownloadProgressFunc
}

// Coverage reports how many stored messages carry an embedding.
type Coverage struct {
	WithEmbedding int64
	Total         int64
	Percentage    float64 // 0 when Total is 0
}

// Pipeline embeds every stored message that lacks a usable vector.
type Pipeline struct {
	provider *Provider
	store    EmbeddingStore
	cfg      PipelineConfig
}

// NewPipeline creates a pipeline writing vectors from provider into store.
func NewPipeline(provider *Provider, store EmbeddingStore, cfg PipelineConfig) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pipeline{provider: provider, store: store, cfg: cfg}
}

// GenerateMissing initializes the provider, then embeds and persists every
// message needing an embedding. A failed item is counted and the run moves
// on. On cancellation no new items are started, vectors already written stay
// written, and the result carries the partial counts with Success false.
// Success requires that nothing failed.
func (p *Pipeline) GenerateMissing(ctx context.Context, progress ProgressFunc) PipelineResult {
	start := time.Now()
	result := PipelineResult{RunID: uuid.NewString()}
	logger := logging.From(ctx).With("run_id", result.RunID, "model", p.provider.Model())

	finish := func() PipelineResult {
		result.Elapsed = time.Since(start)
		result.Success = result.Err == nil && result.Failed == 0
		logger.Info("embedding run finished",
			"processed", result.TotalProcessed,
			"successful", result.Successful,
			"failed", result.Failed,
			"elapsed", result.Elapsed,
			"success", result.Success,
		)
		return result
	}

	if err := p.provider.Initialize(ctx, p.cfg.InitProgress); err != nil {
		result.Err = goerr.Wrap(err, "chatmem: initializing embedding provider")
		return finish()
	}

	candidates, err := p.store.MessagesNeedingEmbedding(ctx, p.provider.Model(), p.provider.Dimensions())
	if err != nil {
		result.Err = goerr.Wrap(err, "chatmem: listing messages needing embedding")
		return finish()
	}
	pending := candidates[:0]
	for _, m := range candidates {
		if strings.TrimSpace(m.Content) != "" {
			pending = append(pending, m)
		}
	}
	logger.Debug("embedding run started", "pending", len(pending), "concurrency", p.cfg.Concurrency)

	var mu sync.Mutex
	record := func(m Message, itemErr error) {
		mu.Lock()
		defer mu.Unlock()

		result.TotalProcessed++
		if itemErr != nil {
			result.Failed++
			logger.Warn("embedding message failed", "message_id", m.ID, "error", itemErr)
		} else {
			result.Successful++
		}

		if progress != nil {
			elapsed := time.Since(start)
			left := len(pending) - result.TotalProcessed
			progress(PipelineProgress{
				Processed: result.TotalProcessed,
				Total:     len(pending),
				Label:     preview(m.Content, 48),
				Remaining: elapsed / time.Duration(result.TotalProcessed) * time.Duration(left),
			})
		}
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, m := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			err := p.embedOne(ctx, m)
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				// Interrupted rather than failed; left for the next run.
				return nil
			}
			record(m, err)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		result.Err = goerr.Wrap(err, "chatmem: embedding run cancelled")
	}
	return finish()
}

func (p *Pipeline) embedOne(ctx context.Context, m Message) error {
	vec, err := p.provider.GenerateEmbedding(ctx, m.Content, false)
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return goerr.New("no embedding produced", goerr.V("message_id", m.ID))
	}
	return p.store.SaveMessageEmbedding(ctx, m.ID, EncodeFloat32s(vec), p.provider.Model())
}

// Stats reports embedding coverage for the provider's model. Before the
// provider is ready the dimension is not checked.
func (p *Pipeline) Stats(ctx context.Context) (Coverage, error) {
	return EmbeddingCoverage(ctx, p.store, p.provider.Model(), p.provider.Dimensions())
}

// EmbeddingCoverage reports how many non-blank messages in store carry a
// usable vector from model. dim <= 0 skips the dimension check.
func EmbeddingCoverage(ctx context.Context, store EmbeddingStore, model string, dim int) (Coverage, error) {
	with, total, err := store.EmbeddingCounts(ctx, model, dim)
	if err != nil {
		return Coverage{}, err
	}
	c := Coverage{WithEmbedding: with, Total: total}
	if total > 0 {
		c.Percentage = 100 * float64(with) / float64(total)
	}
	return c, nil
}

// preview shortens s to at most n runes for progress labels.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
