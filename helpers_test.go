package chatmem_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/matthewjhunter/chatmem"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) (*chatmem.SQLiteStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := chatmem.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return store, db
}

func openTestStore(t *testing.T) *chatmem.SQLiteStore {
	t.Helper()
	store, _ := openTestDB(t)
	return store
}

// addConversation creates a conversation with one message per content
// string and returns the message IDs in order.
func addConversation(t *testing.T, store *chatmem.SQLiteStore, title string, contents ...string) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	convID, err := store.AddConversation(ctx, title)
	if err != nil {
		t.Fatalf("AddConversation: %v", err)
	}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []int64
	for i, c := range contents {
		id, err := store.AddMessage(ctx, chatmem.Message{
			ConversationID: convID,
			Role:           "user",
			Content:        c,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AddMessage(%q): %v", c, err)
		}
		ids = append(ids, id)
	}
	return convID, ids
}

// mockEmbedder returns deterministic vectors. Texts listed in vectors get
// that exact vector; texts in failOn get that error. Safe for concurrent use.
type mockEmbedder struct {
	dim   int
	model string

	mu      sync.Mutex
	calls   int
	inputs  []string
	vectors map[string][]float32
	failOn  map[string]error
	err     error
}

func newMockEmbedder(dim int) *mockEmbedder {
	return &mockEmbedder{
		dim:     dim,
		model:   "mock-embed",
		vectors: map[string][]float32{},
		failOn:  map[string]error{},
	}
}

func (m *mockEmbedder) Model() string { return m.model }

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.inputs = append(m.inputs, texts...)
	if m.err != nil {
		return nil, m.err
	}
	result := make([][]float32, len(texts))
	for i, text := range texts {
		if err, ok := m.failOn[text]; ok {
			return nil, err
		}
		if v, ok := m.vectors[text]; ok {
			result[i] = v
			continue
		}
		emb := make([]float32, m.dim)
		for j := range emb {
			emb[j] = float32(len(text)%7+1) * 0.1 * float32(j+1)
		}
		result[i] = emb
	}
	return result, nil
}

func (m *mockEmbedder) setFailure(text string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, text)
		return
	}
	m.failOn[text] = err
}

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockEmbedder) lastInput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inputs) == 0 {
		return ""
	}
	return m.inputs[len(m.inputs)-1]
}

// preparingEmbedder adds a slow, counted Prepare step to mockEmbedder.
type preparingEmbedder struct {
	*mockEmbedder

	delay      time.Duration
	steps      []float64
	prepareMu  sync.Mutex
	prepares   int
	prepareErr []error // consumed one per call; nil entries succeed
}

func (p *preparingEmbedder) Prepare(ctx context.Context, progress chatmem.DownloadProgressFunc) error {
	p.prepareMu.Lock()
	p.prepares++
	var err error
	if len(p.prepareErr) > 0 {
		err = p.prepareErr[0]
		p.prepareErr = p.prepareErr[1:]
	}
	p.prepareMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.delay):
	}
	for _, s := range p.steps {
		progress(s)
	}
	return err
}

func (p *preparingEmbedder) prepareCount() int {
	p.prepareMu.Lock()
	defer p.prepareMu.Unlock()
	return p.prepares
}

// queryMockEmbedder has a native query-side embedding.
type queryMockEmbedder struct {
	*mockEmbedder
	queryCalls int
}

func (q *queryMockEmbedder) EmbedQuery(_ context.Context, texts []string) ([][]float32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queryCalls++
	q.inputs = append(q.inputs, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, q.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func newReadyProvider(t *testing.T, e chatmem.Embedder, cfg chatmem.ProviderConfig) *chatmem.Provider {
	t.Helper()
	p, err := chatmem.NewProvider(e, cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(p.Close)
	if err := p.Initialize(context.Background(), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return p
}
