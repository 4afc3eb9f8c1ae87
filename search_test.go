package chatmem_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matthewjhunter/chatmem"
)

func candidate(id int64, ts time.Time, vec ...float32) chatmem.EmbeddedMessage {
	return chatmem.EmbeddedMessage{
		Message: chatmem.Message{
			ID:        id,
			Content:   fmt.Sprintf("message %d", id),
			CreatedAt: ts,
		},
		ConversationTitle: "conv",
		Vector:            chatmem.EncodeFloat32s(vec),
	}
}

func TestRankResults_SortedAndFiltered(t *testing.T) {
	now := time.Now()
	query := []float32{1, 0, 0}
	candidates := []chatmem.EmbeddedMessage{
		candidate(1, now, 0, 1, 0),       // 0
		candidate(2, now, 1, 0, 0),       // 1
		candidate(3, now, 1, 1, 0),       // ~0.707
		candidate(4, now, -1, 0, 0),      // -1
		candidate(5, now, 0.9, 0.1, 0),   // ~0.99
		candidate(6, now, 0.5, 0.5, 0.5), // ~0.577
	}

	results := chatmem.RankResults(query, candidates, 0.5, 10)
	wantOrder := []int64{2, 5, 3, 6}
	if len(results) != len(wantOrder) {
		t.Fatalf("got %d results, want %d", len(results), len(wantOrder))
	}
	for i, id := range wantOrder {
		if results[i].Message.ID != id {
			t.Errorf("results[%d] = %d, want %d", i, results[i].Message.ID, id)
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("not descending at %d", i)
		}
	}
	for _, r := range results {
		if r.Similarity < 0.5 {
			t.Errorf("result %d below threshold: %f", r.Message.ID, r.Similarity)
		}
		if r.ConversationTitle != "conv" || !r.Timestamp.Equal(now) {
			t.Errorf("result fields not carried: %+v", r)
		}
	}
}

func TestRankResults_NegativeThresholdKeepsAll(t *testing.T) {
	now := time.Now()
	results := chatmem.RankResults([]float32{1, 0}, []chatmem.EmbeddedMessage{
		candidate(1, now, -1, 0),
		candidate(2, now, 0, 1),
	}, -1, 10)
	if len(results) != 2 || results[0].Message.ID != 2 {
		t.Errorf("results = %+v", results)
	}
}

func TestRankResults_TieBreaks(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candidates := []chatmem.EmbeddedMessage{
		candidate(1, base, 1, 0),
		candidate(2, base.Add(2*time.Hour), 2, 0),
		candidate(3, base.Add(time.Hour), 3, 0),
		candidate(4, base.Add(2*time.Hour), 4, 0),
	}
	// All four have similarity 1; order by newest, then higher ID.
	want := []int64{4, 2, 3, 1}

	for _, perm := range [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {2, 0, 3, 1}} {
		shuffled := make([]chatmem.EmbeddedMessage, len(perm))
		for i, p := range perm {
			shuffled[i] = candidates[p]
		}
		results := chatmem.RankResults([]float32{1, 0}, shuffled, 0, 10)
		for i, id := range want {
			if results[i].Message.ID != id {
				t.Errorf("perm %v: results[%d] = %d, want %d", perm, i, results[i].Message.ID, id)
			}
		}
	}
}

func TestRankResults_MaxResults(t *testing.T) {
	now := time.Now()
	var candidates []chatmem.EmbeddedMessage
	for i := range 30 {
		candidates = append(candidates, candidate(int64(i+1), now, 1, float32(i)*0.01))
	}

	if got := chatmem.RankResults([]float32{1, 0}, candidates, 0, 5); len(got) != 5 {
		t.Errorf("maxResults 5: got %d", len(got))
	}
	if got := chatmem.RankResults([]float32{1, 0}, candidates, 0, 0); len(got) != chatmem.DefaultMaxResults {
		t.Errorf("maxResults 0: got %d, want %d", len(got), chatmem.DefaultMaxResults)
	}
}

func TestRankResults_SkipsUnusableVectors(t *testing.T) {
	now := time.Now()
	bad := candidate(3, now)
	bad.Vector = []byte{1, 2, 3}
	results := chatmem.RankResults([]float32{1, 0}, []chatmem.EmbeddedMessage{
		candidate(1, now, 1, 0, 0), // wrong dimension
		candidate(2, now),          // empty
		bad,                        // truncated below one element
		candidate(4, now, 1, 0),
	}, -1, 10)
	if len(results) != 1 || results[0].Message.ID != 4 {
		t.Errorf("results = %+v", results)
	}
}

func TestRankResults_EmptyInputs(t *testing.T) {
	if got := chatmem.RankResults(nil, []chatmem.EmbeddedMessage{candidate(1, time.Now(), 1)}, 0, 10); got == nil || len(got) != 0 {
		t.Errorf("nil query = %v, want empty non-nil", got)
	}
	if got := chatmem.RankResults([]float32{1}, nil, 0, 10); got == nil || len(got) != 0 {
		t.Errorf("no candidates = %v, want empty non-nil", got)
	}
	if got := chatmem.RankResults([]float32{1, 0}, []chatmem.EmbeddedMessage{candidate(1, time.Now(), 0, 1)}, 0.5, 10); got == nil || len(got) != 0 {
		t.Errorf("nothing above threshold = %v, want empty non-nil", got)
	}
}

func TestSearchEngine_Search(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, ids := addConversation(t, store, "Cooking", "pasta recipe", "car repair", "pizza dough")

	vecs := [][]float32{{1, 0.1, 0}, {0, 0, 1}, {0.9, 0.2, 0}}
	for i, id := range ids {
		if err := store.SaveMessageEmbedding(ctx, id, chatmem.EncodeFloat32s(vecs[i]), "m"); err != nil {
			t.Fatal(err)
		}
	}

	engine := chatmem.NewSearchEngine(store, nil)
	results, err := engine.Search(ctx, []float32{1, 0, 0}, chatmem.SearchOpts{MinSimilarity: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Message.Content != "pasta recipe" || results[1].Message.Content != "pizza dough" {
		t.Errorf("order = %q, %q", results[0].Message.Content, results[1].Message.Content)
	}
	if results[0].ConversationTitle != "Cooking" {
		t.Errorf("title = %q", results[0].ConversationTitle)
	}

	empty, err := engine.Search(ctx, nil, chatmem.SearchOpts{})
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("nil query = %v, %v", empty, err)
	}
}

func TestSearchEngine_NoEmbeddings(t *testing.T) {
	store := openTestStore(t)
	addConversation(t, store, "c", "hello")

	results, err := chatmem.NewSearchEngine(store, nil).Search(context.Background(), []float32{1}, chatmem.SearchOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("results = %v, want empty non-nil", results)
	}
}

func TestSearchEngine_SearchText(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, ids := addConversation(t, store, "c", "about cats", "about rockets")

	e := newMockEmbedder(2)
	e.vectors["about cats"] = []float32{1, 0}
	e.vectors["about rockets"] = []float32{0, 1}
	e.vectors["kittens"] = []float32{0.95, 0.05}
	p := newReadyProvider(t, e, chatmem.ProviderConfig{})

	for _, id := range ids {
		m, _ := store.GetMessage(ctx, id)
		vec, err := p.GenerateEmbedding(ctx, m.Content, false)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.SaveMessageEmbedding(ctx, id, chatmem.EncodeFloat32s(vec), p.Model()); err != nil {
			t.Fatal(err)
		}
	}

	engine := chatmem.NewSearchEngine(store, p)
	results, err := engine.SearchText(ctx, "kittens", chatmem.SearchOpts{MaxResults: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.Content != "about cats" {
		t.Errorf("results = %+v", results)
	}

	blank, err := engine.SearchText(ctx, "  ", chatmem.SearchOpts{})
	if err != nil || len(blank) != 0 {
		t.Errorf("blank text = %v, %v", blank, err)
	}
}

func TestSearchEngine_IgnoresOtherModels(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, ids := addConversation(t, store, "c", "stale", "current")

	e := newMockEmbedder(4)
	e.vectors["q"] = []float32{1, 0, 0, 0}
	p := newReadyProvider(t, e, chatmem.ProviderConfig{})

	// Same dimension, different model: the vectors live in unrelated spaces.
	if err := store.SaveMessageEmbedding(ctx, ids[0], chatmem.EncodeFloat32s([]float32{1, 0, 0, 0}), "old-model"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveMessageEmbedding(ctx, ids[1], chatmem.EncodeFloat32s([]float32{0.5, 0.5, 0, 0}), p.Model()); err != nil {
		t.Fatal(err)
	}

	results, err := chatmem.NewSearchEngine(store, p).SearchText(ctx, "q", chatmem.SearchOpts{MinSimilarity: -1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != ids[1] {
		t.Errorf("results = %+v, want only the current-model message", results)
	}

	cov, err := chatmem.EmbeddingCoverage(ctx, store, p.Model(), p.Dimensions())
	if err != nil {
		t.Fatal(err)
	}
	if cov.WithEmbedding != 1 || cov.Total != 2 || cov.Percentage != 50 {
		t.Errorf("coverage = %+v, want 1 of 2", cov)
	}

	// Without a provider there is no model to filter on.
	all, err := chatmem.NewSearchEngine(store, nil).Search(ctx, []float32{1, 0, 0, 0}, chatmem.SearchOpts{MinSimilarity: -1})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered results = %d, want 2", len(all))
	}
}

func TestKeywordSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	addConversation(t, store, "Animals", "the quick brown fox", "a lazy dog sleeps", "fox and dog are friends")

	hits, err := store.KeywordSearch(ctx, "fox", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("fox hits = %d, want 2", len(hits))
	}
	for _, h := range hits {
		if h.ConversationTitle != "Animals" {
			t.Errorf("title = %q", h.ConversationTitle)
		}
	}

	// Every word must match.
	hits, err = store.KeywordSearch(ctx, "fox dog", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Message.Content != "fox and dog are friends" {
		t.Errorf("fox dog hits = %+v", hits)
	}

	// FTS syntax is treated literally.
	for _, q := range []string{`"fox`, "fox OR", "content:fox", "  "} {
		if _, err := store.KeywordSearch(ctx, q, 10); err != nil {
			t.Errorf("KeywordSearch(%q): %v", q, err)
		}
	}

	hits, err = store.KeywordSearch(ctx, "dog", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("limit 1: %d hits", len(hits))
	}
}
