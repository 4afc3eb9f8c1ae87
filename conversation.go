package chatmem

import (
	"context"
	"database/sql"

	"github.com/m-mizutani/goerr/v2"
)

// AddConversation creates a conversation and returns its ID.
func (s *SQLiteStore) AddConversation(ctx context.Context, title string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := unixNano(s.now())
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO chatmem_conversations (title, created_at, updated_at) VALUES (?, ?, ?)`,
		title, now, now,
	)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: inserting conversation")
	}
	return result.LastInsertId()
}

// GetConversation retrieves a conversation by ID. Returns nil if not found.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Conversation
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chatmem_conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: getting conversation", goerr.V("id", id))
	}
	c.CreatedAt = fromUnixNano(createdAt)
	c.UpdatedAt = fromUnixNano(updatedAt)
	return &c, nil
}

// ListConversations returns all conversations, most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chatmem_conversations ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: listing conversations")
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.Title, &createdAt, &updatedAt); err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning conversation")
		}
		c.CreatedAt = fromUnixNano(createdAt)
		c.UpdatedAt = fromUnixNano(updatedAt)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating conversations")
	}
	return convs, nil
}

// AddMessage appends a message to its conversation and returns the message
// ID. A non-empty Embedding is stored together with EmbeddingModel.
func (s *SQLiteStore) AddMessage(ctx context.Context, m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	var embBlob any
	if len(m.Embedding) > 0 {
		embBlob = EncodeFloat32s(m.Embedding)
	} else {
		m.EmbeddingModel = ""
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: beginning transaction")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE chatmem_conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		unixNano(m.CreatedAt), m.ConversationID,
	)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: touching conversation")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, goerr.Wrap(ErrNotFound, "chatmem: conversation not found", goerr.V("conversation_id", m.ConversationID))
	}

	result, err = tx.ExecContext(ctx,
		`INSERT INTO chatmem_messages (conversation_id, role, content, embedding, embedding_model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, embBlob, m.EmbeddingModel, unixNano(m.CreatedAt),
	)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: inserting message")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: getting insert id")
	}
	return id, tx.Commit()
}

// GetMessage retrieves a single message by ID. Returns nil if not found.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chatmem_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: getting message", goerr.V("id", id))
	}
	return m, nil
}

// ListMessages returns a conversation's messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chatmem_messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: listing messages")
	}
	defer rows.Close()

	return scanMessages(rows)
}

// DeleteMessage removes a message and, with it, its embedding.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM chatmem_messages WHERE id = ?`, id)
	if err != nil {
		return goerr.Wrap(err, "chatmem: deleting message", goerr.V("id", id))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "chatmem: checking delete result")
	}
	if rows == 0 {
		return goerr.Wrap(ErrNotFound, "chatmem: message not found", goerr.V("id", id))
	}
	return nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "chatmem: beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chatmem_messages WHERE conversation_id = ?`, id); err != nil {
		return goerr.Wrap(err, "chatmem: deleting conversation messages", goerr.V("id", id))
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM chatmem_conversations WHERE id = ?`, id)
	if err != nil {
		return goerr.Wrap(err, "chatmem: deleting conversation", goerr.V("id", id))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return goerr.Wrap(ErrNotFound, "chatmem: conversation not found", goerr.V("id", id))
	}
	return tx.Commit()
}
