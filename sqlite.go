package chatmem

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const schemaVersion = 2

// messageColumns is the canonical SELECT list for message queries.
const messageColumns = `id, conversation_id, role, content, embedding, embedding_model, created_at`

// nonBlankContent matches messages with something to embed. SQLite's trim
// strips only spaces unless given the characters explicitly.
const nonBlankContent = `trim(content, ' ' || char(9) || char(10) || char(13)) != ''`

// SQLiteStore implements EmbeddingStore and MemoryStore backed by a
// caller-provided SQLite database. It creates chatmem_* tables and uses its
// own version tracking table so it doesn't conflict with any other schema in
// the same database.
//
// Every write takes the store's write lock, so concurrent writers to the same
// memory key or message are serialized inside the process.
type SQLiteStore struct {
	mu  sync.RWMutex
	db  *sql.DB
	now func() time.Time

	recordedModel string // last embedding model written to chatmem_meta
}

// NewSQLiteStore creates a store using the given database connection.
// It creates chatmem_* tables if needed and runs any pending migrations.
// The caller is responsible for opening and configuring the database
// (WAL mode, busy timeout, connection limits, encryption, etc.).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: migration")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	// Create version tracking table (separate from PRAGMA user_version
	// so we don't conflict with the caller's schema versioning).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS chatmem_version (version INTEGER NOT NULL)`); err != nil {
		return goerr.Wrap(err, "creating version table")
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM chatmem_version").Scan(&version)
	if err == sql.ErrNoRows {
		version = 0
	} else if err != nil {
		return goerr.Wrap(err, "reading version")
	}

	if version >= schemaVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}

	if version < 2 {
		if err := s.migrateV2(); err != nil {
			return err
		}
	}

	if version == 0 {
		_, err = s.db.Exec("INSERT INTO chatmem_version (version) VALUES (?)", schemaVersion)
	} else {
		_, err = s.db.Exec("UPDATE chatmem_version SET version = ?", schemaVersion)
	}
	return err
}

func (s *SQLiteStore) migrateV1() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chatmem_conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			title      TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chatmem_messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES chatmem_conversations(id),
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			embedding       BLOB,
			embedding_model TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chatmem_memories (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			key          TEXT NOT NULL UNIQUE,
			value        TEXT NOT NULL,
			category     TEXT NOT NULL DEFAULT '',
			tags         TEXT NOT NULL DEFAULT '',
			is_important INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_chatmem_messages_conversation ON chatmem_messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chatmem_memories_category ON chatmem_memories(category)`,
		`CREATE INDEX IF NOT EXISTS idx_chatmem_memories_updated ON chatmem_memories(updated_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return goerr.Wrap(err, "chatmem schema V1")
		}
	}
	return nil
}

// migrateV2 adds keyword search over message content and the meta table that
// records the active embedding model.
func (s *SQLiteStore) migrateV2() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chatmem_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS chatmem_messages_fts USING fts5(
			content,
			content='chatmem_messages', content_rowid='id'
		)`,

		`INSERT INTO chatmem_messages_fts(rowid, content) SELECT id, content FROM chatmem_messages`,

		// FTS sync triggers (ai/ad/au pattern). Embedding writes don't touch
		// content, so the update trigger is limited to that column.
		`CREATE TRIGGER IF NOT EXISTS chatmem_messages_ai AFTER INSERT ON chatmem_messages BEGIN
			INSERT INTO chatmem_messages_fts(rowid, content) VALUES (new.id, new.content);
		END`,

		`CREATE TRIGGER IF NOT EXISTS chatmem_messages_ad AFTER DELETE ON chatmem_messages BEGIN
			INSERT INTO chatmem_messages_fts(chatmem_messages_fts, rowid, content)
			VALUES ('delete', old.id, old.content);
		END`,

		`CREATE TRIGGER IF NOT EXISTS chatmem_messages_au AFTER UPDATE OF content ON chatmem_messages BEGIN
			INSERT INTO chatmem_messages_fts(chatmem_messages_fts, rowid, content)
			VALUES ('delete', old.id, old.content);
			INSERT INTO chatmem_messages_fts(rowid, content) VALUES (new.id, new.content);
		END`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return goerr.Wrap(err, "chatmem schema V2")
		}
	}
	return nil
}

// EmbeddingModel returns the model and dimension recorded by the last
// embedding write, or empty values if nothing has been embedded yet.
func (s *SQLiteStore) EmbeddingModel(ctx context.Context) (string, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var model, dimStr string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM chatmem_meta WHERE key = 'embedding_model'`).Scan(&model)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, goerr.Wrap(err, "chatmem: reading embedding model")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM chatmem_meta WHERE key = 'embedding_dim'`).Scan(&dimStr); err != nil && err != sql.ErrNoRows {
		return "", 0, goerr.Wrap(err, "chatmem: reading embedding dim")
	}
	dim, _ := strconv.Atoi(dimStr)
	return model, dim, nil
}

// recordEmbedder writes the embedding model and dimension to the meta table
// when they differ from the last recorded pair. Caller holds s.mu.
func (s *SQLiteStore) recordEmbedder(ctx context.Context, model string, dim int) error {
	key := model + "/" + strconv.Itoa(dim)
	if key == s.recordedModel {
		return nil
	}
	for k, v := range map[string]string{"embedding_model": model, "embedding_dim": strconv.Itoa(dim)} {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO chatmem_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return goerr.Wrap(err, "chatmem: recording embedding model", goerr.V("key", k))
		}
	}
	s.recordedModel = key
	return nil
}

// SaveMessageEmbedding overwrites a message's stored vector. An empty vector
// clears it. Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) SaveMessageEmbedding(ctx context.Context, messageID int64, vector []byte, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob any
	if len(vector) > 0 {
		blob = vector
	} else {
		model = ""
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE chatmem_messages SET embedding = ?, embedding_model = ? WHERE id = ?`,
		blob, model, messageID,
	)
	if err != nil {
		return goerr.Wrap(err, "chatmem: setting embedding", goerr.V("message_id", messageID))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "chatmem: checking rows affected")
	}
	if rows == 0 {
		return goerr.Wrap(ErrNotFound, "chatmem: message not found", goerr.V("message_id", messageID))
	}

	if len(vector) > 0 {
		return s.recordEmbedder(ctx, model, len(vector)/4)
	}
	return nil
}

// MessagesNeedingEmbedding returns messages without a usable vector for the
// given model, ordered by ID.
func (s *SQLiteStore) MessagesNeedingEmbedding(ctx context.Context, model string, dim int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chatmem_messages
		 WHERE `+nonBlankContent+`
		   AND (embedding IS NULL
		    OR length(embedding) = 0
		    OR length(embedding) % 4 != 0
		    OR embedding_model != ?
		    OR (? > 0 AND length(embedding) != ? * 4))
		 ORDER BY id`,
		model, dim, dim,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: querying unembedded messages")
	}
	defer rows.Close()

	return scanMessages(rows)
}

// EmbeddedMessages returns every message with a stored vector from model (any
// model when empty), joined with its conversation title. Message.Embedding is
// left nil; the raw vector is in EmbeddedMessage.Vector.
func (s *SQLiteStore) EmbeddedMessages(ctx context.Context, model string) ([]EmbeddedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.embedding, m.embedding_model, m.created_at, c.title
		 FROM chatmem_messages m
		 JOIN chatmem_conversations c ON c.id = m.conversation_id
		 WHERE m.embedding IS NOT NULL AND length(m.embedding) > 0
		   AND (? = '' OR m.embedding_model = ?)`,
		model, model,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: querying embedded messages")
	}
	defer rows.Close()

	var out []EmbeddedMessage
	for rows.Next() {
		var em EmbeddedMessage
		var createdAt int64
		if err := rows.Scan(
			&em.Message.ID, &em.Message.ConversationID, &em.Message.Role, &em.Message.Content,
			&em.Vector, &em.Message.EmbeddingModel, &createdAt, &em.ConversationTitle,
		); err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning embedded message")
		}
		em.Message.CreatedAt = fromUnixNano(createdAt)
		out = append(out, em)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating embedded messages")
	}
	return out, nil
}

// EmbeddingCounts returns how many non-blank messages hold a usable vector
// for model and dim, and how many non-blank messages exist.
func (s *SQLiteStore) EmbeddingCounts(ctx context.Context, model string, dim int) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var with, total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN embedding IS NOT NULL
				AND length(embedding) > 0
				AND length(embedding) % 4 = 0
				AND (? = '' OR embedding_model = ?)
				AND (? <= 0 OR length(embedding) = ? * 4)
				THEN 1 ELSE 0 END), 0),
			COUNT(*)
		 FROM chatmem_messages
		 WHERE `+nonBlankContent,
		model, model, dim, dim,
	).Scan(&with, &total)
	if err != nil {
		return 0, 0, goerr.Wrap(err, "chatmem: counting embeddings")
	}
	return with, total, nil
}

// Close is a no-op; the caller owns the database connection.
func (s *SQLiteStore) Close() error {
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var embBlob []byte
	var createdAt int64

	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &embBlob, &m.EmbeddingModel, &createdAt)
	if err != nil {
		return nil, err
	}
	if len(embBlob) > 0 {
		m.Embedding = DecodeFloat32s(embBlob)
	}
	m.CreatedAt = fromUnixNano(createdAt)
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning message")
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating messages")
	}
	return msgs, nil
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
