package chatmem

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"github.com/matthewjhunter/chatmem/internal/logging"
)

// ProviderState is the lifecycle state of a Provider.
type ProviderState int32

const (
	StateUninitialized ProviderState = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s ProviderState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ProviderState(%d)", int32(s))
	}
}

// ProviderConfig is owned by the composition root and passed to NewProvider.
type ProviderConfig struct {
	// Dimensions is the expected vector size. 0 learns it from the probe
	// embedding during Initialize.
	Dimensions int

	// QueryPrefix and DocumentPrefix are prepended to the input for models
	// that expect instruction prefixes (e.g. "search_query: "). QueryPrefix
	// is not applied when the backend implements QueryEmbedder.
	QueryPrefix    string
	DocumentPrefix string

	MaxRetries int           // transient-failure retries; 0 = default 2, negative = none
	RetryDelay time.Duration // linear backoff unit; default 250ms

	// Serialize routes every backend call through one mutex, for models
	// that are not safe to call concurrently.
	Serialize bool

	// QueryCacheBytes bounds the query-vector cache; 0 = 4 MiB, negative disables it.
	QueryCacheBytes int64
}

const (
	defaultMaxRetries      = 2
	defaultRetryDelay      = 250 * time.Millisecond
	defaultQueryCacheBytes = 4 << 20
	probeText              = "dimension probe"
)

// Provider wraps an Embedder with an explicit initialization lifecycle:
// Uninitialized → Initializing → Ready, or → Failed until Initialize is
// called again. Only one initialization runs at a time; concurrent callers
// wait for the in-flight one. GenerateEmbedding is safe for concurrent use.
type Provider struct {
	embedder Embedder
	cfg      ProviderConfig
	retry    retryPolicy
	initGrp  singleflight.Group

	mu      sync.RWMutex
	state   ProviderState
	dim     int
	lastErr error

	callMu sync.Mutex       // held around backend calls when cfg.Serialize
	cache  *ristretto.Cache // query text → []float32; nil when disabled
}

// NewProvider creates an uninitialized provider.
func NewProvider(embedder Embedder, cfg ProviderConfig) (*Provider, error) {
	if embedder == nil {
		return nil, goerr.Wrap(ErrValidation, "embedder is required")
	}

	retry := retryPolicy{maxRetries: cfg.MaxRetries, delay: cfg.RetryDelay}
	if cfg.MaxRetries == 0 {
		retry.maxRetries = defaultMaxRetries
	} else if cfg.MaxRetries < 0 {
		retry.maxRetries = 0
	}
	if retry.delay <= 0 {
		retry.delay = defaultRetryDelay
	}

	p := &Provider{embedder: embedder, cfg: cfg, retry: retry}

	if cfg.QueryCacheBytes >= 0 {
		maxCost := cfg.QueryCacheBytes
		if maxCost == 0 {
			maxCost = defaultQueryCacheBytes
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "creating query cache")
		}
		p.cache = cache
	}
	return p, nil
}

// Model returns the underlying embedder's model identifier.
func (p *Provider) Model() string { return p.embedder.Model() }

// State returns the current lifecycle state.
func (p *Provider) State() ProviderState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Dimensions returns the vector size, or 0 before the provider is Ready.
func (p *Provider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dim
}

// Err returns the error that moved the provider to Failed, if any.
func (p *Provider) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Initialize acquires and probes the model. It is idempotent: a Ready
// provider returns immediately. Progress is reported in [0, 100] to the
// caller that starts the initialization; callers joining an in-flight
// initialization only receive its result. Cancelling ctx abandons the wait
// but not the shared initialization.
func (p *Provider) Initialize(ctx context.Context, progress DownloadProgressFunc) error {
	if p.State() == StateReady {
		return nil
	}
	report := monotonicProgress(progress)

	initCtx := context.WithoutCancel(ctx)
	ch := p.initGrp.DoChan("init", func() (any, error) {
		return nil, p.initialize(initCtx, report)
	})
	select {
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "waiting for embedding provider")
	case res := <-ch:
		return res.Err
	}
}

func (p *Provider) initialize(ctx context.Context, progress DownloadProgressFunc) error {
	p.mu.Lock()
	if p.state == StateReady {
		p.mu.Unlock()
		return nil
	}
	p.state = StateInitializing
	p.lastErr = nil
	p.mu.Unlock()

	logger := logging.From(ctx).With("model", p.embedder.Model())
	logger.Debug("initializing embedding provider")
	progress(0)

	dim, err := p.acquire(ctx, progress)

	p.mu.Lock()
	if err != nil {
		p.state = StateFailed
		p.lastErr = err
		p.mu.Unlock()
		logger.Warn("embedding provider failed", "error", err)
		return fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	p.state = StateReady
	p.dim = dim
	p.mu.Unlock()

	progress(100)
	logger.Debug("embedding provider ready", "dimensions", dim)
	return nil
}

// acquire runs the backend's Prepare step (if any) and embeds a probe text
// to learn or verify the vector dimension.
func (p *Provider) acquire(ctx context.Context, progress DownloadProgressFunc) (int, error) {
	if pr, ok := p.embedder.(Preparer); ok {
		err := p.retry.do(ctx, func() error { return pr.Prepare(ctx, progress) })
		if err != nil {
			return 0, goerr.Wrap(err, "preparing embedding model")
		}
	}

	vecs, err := p.call(ctx, p.cfg.DocumentPrefix+probeText, false)
	if err != nil {
		return 0, goerr.Wrap(err, "probing embedding model")
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, goerr.New("embedding probe returned no vector")
	}

	dim := len(vecs[0])
	if p.cfg.Dimensions > 0 && dim != p.cfg.Dimensions {
		return 0, goerr.New("embedding dimension mismatch",
			goerr.V("expected", p.cfg.Dimensions), goerr.V("got", dim))
	}
	return dim, nil
}

// GenerateEmbedding embeds text. It returns nil without an error when text
// is blank or the provider is not Ready. isQuery selects the query-side
// variant; both sides produce vectors of the provider's dimension.
func (p *Provider) GenerateEmbedding(ctx context.Context, text string, isQuery bool) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	p.mu.RLock()
	state, dim := p.state, p.dim
	p.mu.RUnlock()
	if state != StateReady {
		return nil, nil
	}

	if isQuery && p.cache != nil {
		if v, ok := p.cache.Get(text); ok {
			return slices.Clone(v.([]float32)), nil
		}
	}

	input := text
	if isQuery {
		if _, native := p.embedder.(QueryEmbedder); !native {
			input = p.cfg.QueryPrefix + text
		}
	} else {
		input = p.cfg.DocumentPrefix + text
	}

	vecs, err := p.call(ctx, input, isQuery)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, goerr.New("empty embedding response", goerr.V("model", p.embedder.Model()))
	}
	vec := vecs[0]
	if len(vec) != dim {
		return nil, goerr.New("embedding dimension mismatch",
			goerr.V("expected", dim), goerr.V("got", len(vec)), goerr.V("query", isQuery))
	}

	if isQuery && p.cache != nil {
		p.cache.Set(text, slices.Clone(vec), int64(len(vec)*4))
	}
	return vec, nil
}

func (p *Provider) call(ctx context.Context, input string, isQuery bool) ([][]float32, error) {
	if p.cfg.Serialize {
		p.callMu.Lock()
		defer p.callMu.Unlock()
	}
	return embedWithRetry(ctx, p.embedder, []string{input}, isQuery, p.retry)
}

// Close releases the query cache.
func (p *Provider) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

// monotonicProgress clamps reports to [0, 100] and drops values lower than
// one already delivered.
func monotonicProgress(fn DownloadProgressFunc) DownloadProgressFunc {
	if fn == nil {
		return func(float64) {}
	}
	last := -1.0
	var mu sync.Mutex
	return func(pct float64) {
		pct = max(0, min(100, pct))
		mu.Lock()
		defer mu.Unlock()
		if pct < last {
			return
		}
		last = pct
		fn(pct)
	}
}
