package chatmem

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// memoryColumns is the canonical SELECT list for memory queries.
const memoryColumns = `id, key, value, category, tags, is_important, created_at, updated_at`

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return goerr.Wrap(ErrValidation, "memory key is required")
	}
	return nil
}

// Add inserts a memory and returns its ID. CreatedAt and UpdatedAt are set
// to the current time; ID and timestamps on m are ignored.
func (s *SQLiteStore) Add(ctx context.Context, m Memory) (int64, error) {
	if err := validateKey(m.Key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertMemory(ctx, s.db, m)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertMemory(ctx context.Context, ex execer, m Memory) (int64, error) {
	now := unixNano(s.now())
	result, err := ex.ExecContext(ctx,
		`INSERT INTO chatmem_memories (key, value, category, tags, is_important, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Key, m.Value, m.Category, m.Tags, m.IsImportant, now, now,
	)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: inserting memory", goerr.V("key", m.Key))
	}
	return result.LastInsertId()
}

// Update rewrites the memory with m.ID and advances its UpdatedAt. It
// returns the number of rows affected; 0 means no memory has that ID.
func (s *SQLiteStore) Update(ctx context.Context, m Memory) (int64, error) {
	if err := validateKey(m.Key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateMemory(ctx, s.db, m)
}

// updateMemory guarantees updated_at strictly increases even when two writes
// land within the clock's resolution.
func (s *SQLiteStore) updateMemory(ctx context.Context, ex execer, m Memory) (int64, error) {
	result, err := ex.ExecContext(ctx,
		`UPDATE chatmem_memories
		 SET key = ?, value = ?, category = ?, tags = ?, is_important = ?, updated_at = MAX(?, updated_at + 1)
		 WHERE id = ?`,
		m.Key, m.Value, m.Category, m.Tags, m.IsImportant, unixNano(s.now()), m.ID,
	)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: updating memory", goerr.V("id", m.ID))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: checking update result")
	}
	return rows, nil
}

// Upsert inserts a memory for key, or overwrites the existing one, and
// returns its ID. The lookup and the write run in one transaction under the
// store's write lock, so concurrent upserts of the same key never interleave.
func (s *SQLiteStore) Upsert(ctx context.Context, key, value, category, tags string, important bool) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: beginning transaction")
	}
	defer tx.Rollback()

	m := Memory{Key: key, Value: value, Category: category, Tags: tags, IsImportant: important}

	err = tx.QueryRowContext(ctx, `SELECT id FROM chatmem_memories WHERE key = ?`, key).Scan(&m.ID)
	switch {
	case err == sql.ErrNoRows:
		m.ID, err = s.insertMemory(ctx, tx, m)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, goerr.Wrap(err, "chatmem: looking up memory", goerr.V("key", key))
	default:
		rows, err := s.updateMemory(ctx, tx, m)
		if err != nil {
			return 0, err
		}
		if rows == 0 {
			return 0, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, goerr.Wrap(err, "chatmem: committing upsert", goerr.V("key", key))
	}
	return m.ID, nil
}

// GetByKey returns the memory whose key matches exactly (case-sensitive),
// or nil if there is none.
func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM chatmem_memories WHERE key = ?`, key)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: getting memory", goerr.V("key", key))
	}
	return m, nil
}

// GetMemory returns a memory by ID, or nil if there is none.
func (s *SQLiteStore) GetMemory(ctx context.Context, id int64) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM chatmem_memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: getting memory", goerr.V("id", id))
	}
	return m, nil
}

// MemoryField selects which memory fields a search inspects.
type MemoryField uint8

const (
	FieldKey MemoryField = 1 << iota
	FieldValue
	FieldCategory
	FieldTags

	AllFields = FieldKey | FieldValue | FieldCategory | FieldTags
)

// Search returns memories whose key, value, category, or tags contain term,
// ignoring case.
func (s *SQLiteStore) Search(ctx context.Context, term string) ([]Memory, error) {
	return s.SearchFields(ctx, term, AllFields)
}

// SearchFields is Search restricted to the given fields. Matching is done in
// Go so case folding covers non-ASCII text, which SQLite's LIKE does not.
func (s *SQLiteStore) SearchFields(ctx context.Context, term string, fields MemoryField) ([]Memory, error) {
	if strings.TrimSpace(term) == "" {
		return nil, goerr.Wrap(ErrValidation, "search term is required")
	}

	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(term)
	seen := make(map[int64]bool, len(all))
	out := []Memory{}
	for _, m := range all {
		if seen[m.ID] {
			continue
		}
		if m.matches(needle, fields) {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out, nil
}

func (m Memory) matches(needle string, fields MemoryField) bool {
	candidates := []struct {
		field MemoryField
		text  string
	}{
		{FieldKey, m.Key},
		{FieldValue, m.Value},
		{FieldCategory, m.Category},
		{FieldTags, m.Tags},
	}
	for _, c := range candidates {
		if fields&c.field != 0 && strings.Contains(strings.ToLower(c.text), needle) {
			return true
		}
	}
	return false
}

// GetByCategory returns the memories in a category, newest first.
func (s *SQLiteStore) GetByCategory(ctx context.Context, category string) ([]Memory, error) {
	return s.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM chatmem_memories WHERE category = ? ORDER BY updated_at DESC, id DESC`,
		category)
}

// GetAll returns every memory ordered by UpdatedAt descending.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]Memory, error) {
	return s.queryMemories(ctx,
		`SELECT ` + memoryColumns + ` FROM chatmem_memories ORDER BY updated_at DESC, id DESC`)
}

// GetAllCategories returns the distinct non-empty categories, sorted.
func (s *SQLiteStore) GetAllCategories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM chatmem_memories WHERE category != '' ORDER BY category`)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: listing categories")
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning category")
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating categories")
	}
	return categories, nil
}

// GetAllTags splits every memory's comma-separated tags and returns the
// distinct trimmed, non-empty tags, sorted.
func (s *SQLiteStore) GetAllTags(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT tags FROM chatmem_memories WHERE tags != ''`)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: listing tags")
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning tags")
		}
		for _, tag := range SplitTags(raw) {
			set[tag] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating tags")
	}

	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

// SplitTags splits a comma-separated tag list, trimming whitespace and
// dropping empty entries.
func SplitTags(raw string) []string {
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Delete removes a memory by ID and returns the number of rows affected.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM chatmem_memories WHERE id = ?`, id)
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: deleting memory", goerr.V("id", id))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, goerr.Wrap(err, "chatmem: checking delete result")
	}
	return rows, nil
}

// CountMemories returns the number of stored memories.
func (s *SQLiteStore) CountMemories(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chatmem_memories`).Scan(&count); err != nil {
		return 0, goerr.Wrap(err, "chatmem: counting memories")
	}
	return count, nil
}

func (s *SQLiteStore) queryMemories(ctx context.Context, q string, args ...any) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "chatmem: querying memories")
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "chatmem: scanning memory")
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "chatmem: iterating memories")
	}
	return out, nil
}

func scanMemory(row scanner) (*Memory, error) {
	var m Memory
	var createdAt, updatedAt int64
	err := row.Scan(&m.ID, &m.Key, &m.Value, &m.Category, &m.Tags, &m.IsImportant, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = fromUnixNano(createdAt)
	m.UpdatedAt = fromUnixNano(updatedAt)
	return &m, nil
}
