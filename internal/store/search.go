package store

import (
	"context"
	"fmt"
	"time"
)

const defaultSearchLimit = 50

// Index is a full-text index over every message seen this session.
type Index struct {
	db *DB
}

// NewIndex wraps a migrated database.
func NewIndex(db *DB) *Index {
	return &Index{db: db}
}

// Put inserts or refreshes a message.
func (x *Index) Put(m Message) error {
	typ := m.Type
	if typ == "" {
		typ = TypeGeneral
	}
	prio := m.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	_, err := x.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, type, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			type = excluded.type,
			priority = excluded.priority,
			status = excluded.status,
			created_at = excluded.created_at`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(typ), string(prio), string(m.Status), m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("index put %s: %w", m.ID, err)
	}
	return nil
}

// Delete drops a message. Missing ids are ignored.
func (x *Index) Delete(id string) error {
	if _, err := x.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("index delete %s: %w", id, err)
	}
	return nil
}

// Count returns the number of indexed messages.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// Search performs a full-text search on message content, newest first.
func (x *Index) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	q := `
		SELECT m.id, m.conversation_id, m.sender_id, m.content,
		       m.type, m.priority, m.status, m.created_at,
		       snippet(messages_fts, '<<', '>>', '...', -1, 16)
		FROM messages_fts
		JOIN messages m ON m.docid = messages_fts.docid
		WHERE messages_fts MATCH ?`

	args := []any{p.Query}
	if p.ConversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, p.ConversationID)
	}
	if p.Type != "" {
		q += " AND m.type = ?"
		args = append(args, string(p.Type))
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", p.Query, err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			r         SearchResult
			createdAt int64
		)
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ConversationID, &r.Message.SenderID, &r.Message.Content,
			&r.Message.Type, &r.Message.Priority, &r.Message.Status, &createdAt,
			&r.Snippet,
		); err != nil {
			return nil, err
		}
		r.Message.CreatedAt = time.UnixMilli(createdAt).UTC()
		results = append(results, r)
	}
	return results, rows.Err()
}
