package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"mnemos/internal/types"
)

// Conversation is a chat thread. The title is model-generated after the
// first exchange.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationMessage is one role-tagged turn with the memory ids the
// retriever cited. Content is an envelope: chat transcripts are as private
// as the memories they quote.
type ConversationMessage struct {
	ID             string
	ConversationID string
	Seq            int
	Role           types.ChatRole
	ContentEnv     []byte
	CitedIDs       []types.MemoryID
	CreatedAt      time.Time
}

// CreateConversation starts a thread.
func (s *LocalStore) CreateConversation(ctx context.Context) (*Conversation, error) {
	now := time.Now().UTC()
	c := &Conversation{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, '', ?, ?)`, c.ID, now, now)
	if err != nil {
		return nil, translateErr(err)
	}
	return c, nil
}

// ListConversations returns threads, most recently active first.
func (s *LocalStore) ListConversations(ctx context.Context) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// GetConversation fetches a thread.
func (s *LocalStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, translateErr(err)
	}
	return &c, nil
}

// UpdateConversationTitle sets the generated title once.
func (s *LocalStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	return translateErr(err)
}

// AppendMessage adds the next turn. Seq is allocated inside the transaction
// so concurrent appends cannot interleave.
func (s *LocalStore) AppendMessage(ctx context.Context, m *ConversationMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cited, err := json.Marshal(m.CitedIDs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.QueryRow(`
			SELECT MAX(seq) FROM conversation_messages WHERE conversation_id = ?`,
			m.ConversationID).Scan(&maxSeq); err != nil {
			return translateErr(err)
		}
		m.Seq = int(maxSeq.Int64) + 1
		_, err := tx.Exec(`
			INSERT INTO conversation_messages (id, conversation_id, seq, role, content_env, cited_ids, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Seq, string(m.Role), m.ContentEnv,
			string(cited), m.CreatedAt)
		if err != nil {
			return translateErr(err)
		}
		_, err = tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			m.CreatedAt, m.ConversationID)
		return translateErr(err)
	})
}

// ListMessages returns a thread's turns in order.
func (s *LocalStore) ListMessages(ctx context.Context, conversationID string) ([]*ConversationMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, role, content_env, cited_ids, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	var out []*ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var role, cited string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &role,
			&m.ContentEnv, &cited, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = types.ChatRole(role)
		_ = json.Unmarshal([]byte(cited), &m.CitedIDs)
		out = append(out, &m)
	}
	return out, rows.Err()
}
