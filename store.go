package chatmem

import (
	"context"
	"time"
)

// Conversation groups messages. Its title is carried into search results.
type Conversation struct {
	ID        int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single chat turn. Embedding is nil until the pipeline (or the
// caller) computes one; EmbeddingModel records which model produced it.
type Message struct {
	ID             int64
	ConversationID int64
	Role           string // "user", "assistant", "system"
	Content        string
	Embedding      []float32
	EmbeddingModel string
	CreatedAt      time.Time
}

// EmbeddedMessage is a message paired with its raw stored vector, as read by
// the search engine. Vector is the VectorCodec encoding.
type EmbeddedMessage struct {
	Message           Message
	ConversationTitle string
	Vector            []byte
}

// Memory is a structured key/value fact about the user. Key is the natural
// identifier (case-sensitive); Tags is a comma-separated list.
type Memory struct {
	ID          int64
	Key         string
	Value       string
	Category    string
	Tags        string
	IsImportant bool
	CreatedAt   time.Time // set once at insert
	UpdatedAt   time.Time // advances on every write
}

// SearchResult is a ranked semantic match.
type SearchResult struct {
	Message           Message
	Similarity        float64 // cosine similarity in [-1, 1]
	ConversationTitle string
	Timestamp         time.Time // message creation time
}

// EmbeddingStore is the persistence surface the pipeline and search engine
// need. Implementations must make a write visible to a following read from
// the same caller.
type EmbeddingStore interface {
	// SaveMessageEmbedding overwrites the stored vector for a message. An
	// empty vector clears it.
	SaveMessageEmbedding(ctx context.Context, messageID int64, vector []byte, model string) error
	// MessagesNeedingEmbedding returns messages with no usable embedding for
	// the given model: missing, empty, truncated (length not a multiple of 4),
	// produced by another model, or (when dim > 0) of the wrong dimension.
	// Messages whose content is blank can never be embedded and are omitted.
	MessagesNeedingEmbedding(ctx context.Context, model string, dim int) ([]Message, error)
	// EmbeddedMessages returns every message with a stored vector produced
	// by model. An empty model returns vectors from any model.
	EmbeddedMessages(ctx context.Context, model string) ([]EmbeddedMessage, error)
	// EmbeddingCounts counts non-blank messages, and among them those with a
	// usable vector in the sense of MessagesNeedingEmbedding. An empty model
	// or dim <= 0 relaxes that part of the check.
	EmbeddingCounts(ctx context.Context, model string, dim int) (withEmbedding, total int64, err error)
}

// MessageWriter is implemented by stores that accept new conversations and
// messages.
type MessageWriter interface {
	AddConversation(ctx context.Context, title string) (int64, error)
	AddMessage(ctx context.Context, m Message) (int64, error)
}

// MemoryStore is the durable key/value fact store.
type MemoryStore interface {
	Add(ctx context.Context, m Memory) (int64, error)
	Update(ctx context.Context, m Memory) (int64, error) // rows affected; 0 means not found
	Upsert(ctx context.Context, key, value, category, tags string, important bool) (int64, error)
	GetByKey(ctx context.Context, key string) (*Memory, error) // nil when absent
	Search(ctx context.Context, term string) ([]Memory, error)
	GetByCategory(ctx context.Context, category string) ([]Memory, error)
	GetAllCategories(ctx context.Context) ([]string, error)
	GetAllTags(ctx context.Context) ([]string, error)
	GetAll(ctx context.Context) ([]Memory, error) // updated_at descending
	Delete(ctx context.Context, id int64) (int64, error)
	CountMemories(ctx context.Context) (int64, error)
}

// Generator produces text completions from a prompt. It is the chat
// completion service seen from this package.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// JSONGenerator is optionally implemented by generators that support
// structured JSON output mode for more reliable parsing.
type JSONGenerator interface {
	Generator
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}
