package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gridpilot/gridpilot/internal/llm"
)

// SQLite is the database-backed conversation store. The *sql.DB is
// shared with the undo ledger; callers open it once at startup.
type SQLite struct {
	db *sql.DB
}

// OpenDB opens a SQLite database in WAL mode with a busy timeout, the
// settings the rest of the pipeline assumes.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// NewSQLite creates the store and its schema.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		context TEXT,
		document_path TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		position INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close is a no-op: the shared *sql.DB is closed by its owner.
func (s *SQLite) Close() error { return nil }

// Save implements Store. The message list uses replace semantics:
// delete then reinsert inside one transaction, so a crash never leaves
// a half-written conversation.
func (s *SQLite) Save(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("save: conversation id is required")
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Title = autoTitle(c)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, context, document_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			context = excluded.context,
			document_path = excluded.document_path,
			updated_at = excluded.updated_at
	`, c.ID, c.Title, c.Context, c.DocumentPath, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save: upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, c.ID); err != nil {
		return fmt.Errorf("save: clear messages: %w", err)
	}

	for i := range c.Messages {
		m := &c.Messages[i]
		if m.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("save: generate message id: %w", err)
			}
			m.ID = id.String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		var toolCalls any
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("save: marshal tool calls: %w", err)
			}
			toolCalls = string(data)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, position, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, c.ID, m.Role, m.Content, toolCalls, m.ToolCallID, i, m.Timestamp)
		if err != nil {
			return fmt.Errorf("save: insert message %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{ID: id}
	err := s.db.QueryRowContext(ctx, `
		SELECT title, COALESCE(context, ''), COALESCE(document_path, ''), created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.Title, &c.Context, &c.DocumentPath, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, COALESCE(tool_call_id, ''), timestamp
		FROM messages WHERE conversation_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &m.ToolCallID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			var calls []llm.ToolCall
			if err := json.Unmarshal([]byte(toolCalls.String), &calls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
			m.ToolCalls = calls
		}
		c.Messages = append(c.Messages, m)
	}
	return c, rows.Err()
}

// List implements Store.
func (s *SQLite) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, updated_at FROM conversations ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Previews come from the last visible message. One query per row
	// keeps the schema simple; conversation lists are small.
	for i := range out {
		if err := s.fillSummary(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) fillSummary(ctx context.Context, sum *Summary) error {
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE conversation_id = ?
	`, sum.ID).Scan(&sum.Messages)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE conversation_id = ? AND role IN ('user', 'assistant') AND content != ''
		ORDER BY position DESC LIMIT 1
	`, sum.ID).Scan(&sum.Preview)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load preview: %w", err)
	}
	if runes := []rune(sum.Preview); len(runes) > 120 {
		sum.Preview = string(runes[:120])
	}
	return nil
}

// Delete implements Store. Ledger rows for the conversation are
// removed by the caller, which owns the ledger.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}
