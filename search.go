package chatmem

import (
	"context"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// DefaultMaxResults caps a search when SearchOpts.MaxResults is not positive.
const DefaultMaxResults = 20

// SearchOpts controls semantic search.
type SearchOpts struct {
	MinSimilarity float64 // candidates scoring below this are dropped
	MaxResults    int     // default 20
}

// RankResults scores candidates against query and returns those at or above
// minSimilarity, best first. Ties on similarity go to the most recent
// message, then to the higher message ID, so the order never depends on the
// order candidates arrive in. Candidates with an empty vector or a dimension
// different from the query are skipped. The result is never nil.
func RankResults(query []float32, candidates []EmbeddedMessage, minSimilarity float64, maxResults int) []SearchResult {
	results := []SearchResult{}
	if len(query) == 0 {
		return results
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	for _, c := range candidates {
		vec := DecodeFloat32s(c.Vector)
		if len(vec) == 0 || len(vec) != len(query) {
			continue
		}
		sim := CosineSimilarity(query, vec)
		if sim < minSimilarity {
			continue
		}
		results = append(results, SearchResult{
			Message:           c.Message,
			Similarity:        sim,
			ConversationTitle: c.ConversationTitle,
			Timestamp:         c.Message.CreatedAt,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.Message.ID > b.Message.ID
	})

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results
}

// SearchEngine runs full-scan semantic search over stored message vectors.
type SearchEngine struct {
	store    EmbeddingStore
	provider *Provider
}

// NewSearchEngine creates a search engine. provider is only needed for
// SearchText and may be nil otherwise.
func NewSearchEngine(store EmbeddingStore, provider *Provider) *SearchEngine {
	return &SearchEngine{store: store, provider: provider}
}

// Search ranks stored message vectors against query. With a provider, only
// vectors produced by its model are candidates. A nil query or a store with
// no matching embeddings yields an empty, non-nil result.
func (e *SearchEngine) Search(ctx context.Context, query []float32, opts SearchOpts) ([]SearchResult, error) {
	if len(query) == 0 {
		return []SearchResult{}, nil
	}

	var model string
	if e.provider != nil {
		model = e.provider.Model()
	}
	candidates, err := e.store.EmbeddedMessages(ctx, model)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: loading embedded messages")
	}
	return RankResults(query, candidates, opts.MinSimilarity, opts.MaxResults), nil
}

// SearchText embeds text as a query and searches with the resulting vector.
// Blank text or a provider that is not ready yields an empty result.
func (e *SearchEngine) SearchText(ctx context.Context, text string, opts SearchOpts) ([]SearchResult, error) {
	if e.provider == nil {
		return nil, goerr.Wrap(ErrProviderNotReady, "chatmem: search engine has no provider")
	}
	query, err := e.provider.GenerateEmbedding(ctx, text, true)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, query, opts)
}

// KeywordHit is a BM25-ranked keyword match on message content.
type KeywordHit struct {
	Message           Message
	ConversationTitle string
	Score             float64 // higher is better
}

// quoteFTSQuery makes a raw string safe for use in an FTS5 MATCH expression.
// Each word is individually double-quoted (with internal quotes escaped) so
// FTS5 treats them as literal terms joined by implicit AND, without
// interpreting any special syntax.
func quoteFTSQuery(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// KeywordSearch finds messages containing every word of query, best BM25
// match first. It needs no embedding model.
func (s *SQLiteStore) KeywordSearch(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	match := quoteFTSQuery(query)
	if match == "" {
		return []KeywordHit{}, nil
	}
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.embedding, m.embedding_model, m.created_at, c.title, fts.rank
		 FROM chatmem_messages_fts fts
		 JOIN chatmem_messages m ON m.id = fts.rowid
		 JOIN chatmem_conversations c ON c.id = m.conversation_id
		 WHERE chatmem_messages_fts MATCH ?
		 ORDER BY fts.rank
		 LIMIT ?`,
		match, limit,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: keyword search", goerr.V("query", query))
	}
	defer rows.Close()

	hits := []KeywordHit{}
	for rows.Next() {
		var h KeywordHit
		var embBlob []byte
		var createdAt int64
		var rank float64
		if err := rows.Scan(
			&h.Message.ID, &h.Message.ConversationID, &h.Message.Role, &h.Message.Content,
			&embBlob, &h.Message.EmbeddingModel, &createdAt, &h.ConversationTitle, &rank,
		); err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning keyword hit")
		}
		if len(embBlob) > 0 {
			h.Message.Embedding = DecodeFloat32s(embBlob)
		}
		h.Message.CreatedAt = fromUnixNano(createdAt)
		// BM25 rank is negative (lower = better match), negate for scoring.
		h.Score = -rank
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating keyword hits")
	}
	return hits, nil
}
