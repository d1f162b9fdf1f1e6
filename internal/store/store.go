// Package store implements the durable Conversation Store: conversations,
// messages, and rolling summaries in a relational schema, with
// per-conversation serialized appends.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"avatarbackend/pkg/id"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Message roles mirror the wire protocol's user/assistant/system triad.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation is the top-level aggregate: an ordered message sequence
// plus an optional rolling summary.
type Conversation struct {
	ID               string    `db:"id"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
	Summary          string    `db:"summary"`
	SummaryCoveredUp int64     `db:"summary_covered_upto"`
}

// Message is one append-only row in a conversation's history.
type Message struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Seq            int64     `db:"seq"`
	Role           string    `db:"role"`
	Content        string    `db:"content"`
	Emotion        string    `db:"emotion"`
	ChunkID        string    `db:"chunk_id"`
	Sources        string    `db:"sources"` // comma-joined document ids
	CreatedAt      time.Time `db:"created_at"`
}

var ErrNotFound = fmt.Errorf("conversation not found")
var ErrSummaryRegressed = fmt.Errorf("summary_covered_upto may not regress")

// Store is the sqlite/sqlx-backed Conversation Store. Appends to a given
// conversation are serialized through a per-conversation mutex; appends
// to distinct conversations proceed independently. This mirrors the
// per-session map+RWMutex shape the rest of this codebase's conversation
// history layer was historically built on, but backs durable rows
// instead of JSON snapshots.
type Store struct {
	db *sqlx.DB

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
}

// Open creates (if needed) the schema at dsn and returns a ready Store.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	summary_covered_upto INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	emotion TEXT NOT NULL DEFAULT '',
	chunk_id TEXT NOT NULL DEFAULT '',
	sources TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	UNIQUE(conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq);
`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	return l
}

// CreateConversation inserts a new, empty conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context) (string, error) {
	convID := id.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, updated_at, summary, summary_covered_upto) VALUES (?, ?, ?, '', 0)`,
		convID, now, now)
	if err != nil {
		return "", fmt.Errorf("store: create conversation: %w", err)
	}
	return convID, nil
}

// Get returns a conversation by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, convID string) (*Conversation, error) {
	var c Conversation
	err := s.db.GetContext(ctx, &c, `SELECT * FROM conversations WHERE id = ?`, convID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return &c, nil
}

// AppendMessage appends msg to conv_id, assigning it the next sequence
// number. Appends to the same conversation are serialized by a
// per-conversation lock; appends to different conversations proceed in
// parallel.
func (s *Store) AppendMessage(ctx context.Context, convID string, m Message) (int64, error) {
	lock := s.lockFor(convID)
	lock.Lock()
	defer lock.Unlock()

	var maxSeq sql.NullInt64
	if err := s.db.GetContext(ctx, &maxSeq, `SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return 0, fmt.Errorf("store: append message: seq lookup: %w", err)
	}
	seq := maxSeq.Int64 + 1

	if m.ID == "" {
		m.ID = id.New()
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: append message: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, emotion, chunk_id, sources, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, convID, seq, m.Role, m.Content, m.Emotion, m.ChunkID, m.Sources, now)
	if err != nil {
		return 0, fmt.Errorf("store: append message: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID)
	if err != nil {
		return 0, fmt.Errorf("store: append message: touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: append message: commit: %w", err)
	}

	return seq, nil
}

// LoadWindow returns up to n most-recent messages for convID in
// chronological order.
func (s *Store) LoadWindow(ctx context.Context, convID string, n int) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT * FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, convID, n)
	if err != nil {
		return nil, fmt.Errorf("store: load window: %w", err)
	}
	return msgs, nil
}

// UpdateSummary atomically replaces the conversation's rolling summary.
// It rejects the update if coveredUpto would regress.
func (s *Store) UpdateSummary(ctx context.Context, convID, summary string, coveredUpto int64) error {
	lock := s.lockFor(convID)
	lock.Lock()
	defer lock.Unlock()

	var current int64
	if err := s.db.GetContext(ctx, &current, `SELECT summary_covered_upto FROM conversations WHERE id = ?`, convID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: update summary: lookup: %w", err)
	}
	if coveredUpto < current {
		return ErrSummaryRegressed
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, summary_covered_upto = ?, updated_at = ? WHERE id = ?`,
		summary, coveredUpto, time.Now().UTC(), convID)
	if err != nil {
		return fmt.Errorf("store: update summary: %w", err)
	}
	return nil
}

// List returns a page of conversations ordered by most-recently updated,
// plus the total conversation count.
func (s *Store) List(ctx context.Context, limit, offset int) (int, []Conversation, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM conversations`); err != nil {
		return 0, nil, fmt.Errorf("store: list: count: %w", err)
	}

	var rows []Conversation
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM conversations ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return 0, nil, fmt.Errorf("store: list: %w", err)
	}
	return total, rows, nil
}

// Delete removes a conversation and all of its messages atomically.
func (s *Store) Delete(ctx context.Context, convID string) error {
	lock := s.lockFor(convID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("store: delete: messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, convID)
	if err != nil {
		return fmt.Errorf("store: delete: conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Export returns every message of convID in order, for admin download.
func (s *Store) Export(ctx context.Context, convID string) (*Conversation, []Message, error) {
	conv, err := s.Get(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs,
		`SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, convID); err != nil {
		return nil, nil, fmt.Errorf("store: export: %w", err)
	}
	return conv, msgs, nil
}

// UncoveredCount returns the number of messages in convID with seq
// greater than its current summary_covered_upto.
func (s *Store) UncoveredCount(ctx context.Context, convID string) (int, error) {
	var coveredUpto int64
	if err := s.db.GetContext(ctx, &coveredUpto, `SELECT summary_covered_upto FROM conversations WHERE id = ?`, convID); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: uncovered count: %w", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND seq > ?`, convID, coveredUpto); err != nil {
		return 0, fmt.Errorf("store: uncovered count: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
