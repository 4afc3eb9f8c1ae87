package chatmem

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresStore implements EmbeddingStore on PostgreSQL, keeping message
// vectors in a pgvector column. It suits deployments where several clients
// share one message history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// pgNonBlankContent matches messages with something to embed.
const pgNonBlankContent = `btrim(content, E' \t\r\n') <> ''`

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS chatmem_conversations (
		id         BIGSERIAL PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS chatmem_messages (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES chatmem_conversations(id) ON DELETE CASCADE,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		embedding       vector,
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chatmem_messages_conversation ON chatmem_messages(conversation_id)`,
}

// NewPostgresStore connects to dsn, enables the vector extension, and
// creates chatmem_* tables if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	// The extension must exist before the pool registers the vector type on
	// each new connection.
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: connecting to postgres")
	}
	_, err = conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	conn.Close(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: creating vector extension")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: parsing postgres dsn")
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: opening postgres pool")
	}

	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, goerr.Wrap(err, "chatmem: postgres schema")
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// AddConversation creates a conversation and returns its ID.
func (s *PostgresStore) AddConversation(ctx context.Context, title string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chatmem_conversations (title) VALUES ($1) RETURNING id`, title,
	).Scan(&id)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: inserting conversation")
	}
	return id, nil
}

// AddMessage appends a message to its conversation and returns its ID.
func (s *PostgresStore) AddMessage(ctx context.Context, m Message) (int64, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var emb *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		emb = &v
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: beginning transaction")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE chatmem_conversations SET updated_at = GREATEST(updated_at, $1) WHERE id = $2`, createdAt, m.ConversationID)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: touching conversation")
	}
	if tag.RowsAffected() == 0 {
		return 0, goerr.Wrap(ErrNotFound, "chatmem: conversation not found", goerr.V("conversation_id", m.ConversationID))
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO chatmem_messages (conversation_id, role, content, embedding, embedding_model, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		m.ConversationID, m.Role, m.Content, emb, m.EmbeddingModel, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: inserting message")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, goerr.Wrap(err, "chatmem: committing message")
	}
	return id, nil
}

// SaveMessageEmbedding overwrites a message's stored vector. An empty or
// truncated encoding clears it.
func (s *PostgresStore) SaveMessageEmbedding(ctx context.Context, messageID int64, vector []byte, model string) error {
	var emb *pgvector.Vector
	if vec := DecodeFloat32s(vector); len(vec) > 0 {
		v := pgvector.NewVector(vec)
		emb = &v
	} else {
		model = ""
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE chatmem_messages SET embedding = $1, embedding_model = $2 WHERE id = $3`,
		emb, model, messageID,
	)
	if err != nil {
		return goerr.Wrap(err, "chatmem: setting embedding", goerr.V("message_id", messageID))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(ErrNotFound, "chatmem: message not found", goerr.V("message_id", messageID))
	}
	return nil
}

// MessagesNeedingEmbedding returns non-blank messages without a vector from
// model, or (when dim > 0) with a vector of another dimension, ordered by ID.
func (s *PostgresStore) MessagesNeedingEmbedding(ctx context.Context, model string, dim int) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, embedding, embedding_model, created_at
		 FROM chatmem_messages
		 WHERE `+pgNonBlankContent+`
		   AND (embedding IS NULL
		    OR embedding_model != $1
		    OR ($2 > 0 AND vector_dims(embedding) != $2))
		 ORDER BY id`,
		model, dim,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: querying unembedded messages")
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var emb *pgvector.Vector
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &emb, &m.EmbeddingModel, &m.CreatedAt); err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning message")
		}
		if emb != nil {
			m.Embedding = emb.Slice()
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating messages")
	}
	return msgs, nil
}

// EmbeddedMessages returns every message with a stored vector from model (any
// model when empty), joined with its conversation title. The vector is
// re-encoded in the byte layout the search engine reads.
func (s *PostgresStore) EmbeddedMessages(ctx context.Context, model string) ([]EmbeddedMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.embedding, m.embedding_model, m.created_at, c.title
		 FROM chatmem_messages m
		 JOIN chatmem_conversations c ON c.id = m.conversation_id
		 WHERE m.embedding IS NOT NULL
		   AND ($1 = '' OR m.embedding_model = $1)`,
		model,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: querying embedded messages")
	}
	defer rows.Close()

	var out []EmbeddedMessage
	for rows.Next() {
		var em EmbeddedMessage
		var emb pgvector.Vector
		if err := rows.Scan(
			&em.Message.ID, &em.Message.ConversationID, &em.Message.Role, &em.Message.Content,
			&emb, &em.Message.EmbeddingModel, &em.Message.CreatedAt, &em.ConversationTitle,
		); err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning embedded message")
		}
		em.Message.CreatedAt = em.Message.CreatedAt.UTC()
		em.Vector = EncodeFloat32s(emb.Slice())
		out = append(out, em)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating embedded messages")
	}
	return out, nil
}

// EmbeddingCounts returns how many non-blank messages hold a vector from
// model of dimension dim, and how many non-blank messages exist.
func (s *PostgresStore) EmbeddingCounts(ctx context.Context, model string, dim int) (int64, int64, error) {
	var with, total int64
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE embedding IS NOT NULL
				AND ($1 = '' OR embedding_model = $1)
				AND ($2 <= 0 OR vector_dims(embedding) = $2)),
			COUNT(*)
		 FROM chatmem_messages
		 WHERE `+pgNonBlankContent,
		model, dim,
	).Scan(&with, &total)
	if err != nil {
		return 0, 0, goerr.Wrap(err, "chatmem: counting embeddings")
	}
	return with, total, nil
}
