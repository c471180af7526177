// Package ledger implements the batched undo ledger: an append-only,
// batch-scoped record of prior spreadsheet state. Entries stay
// revertible until a conversation's entries are approved, which is the
// only way they stop being eligible for undo.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridpilot/gridpilot/internal/action"
	"github.com/gridpilot/gridpilot/internal/events"
)

// ErrNothingToUndo is returned when an undo targets a scope with no
// unapproved entries: either the entries were already approved or the
// scope never had any.
var ErrNothingToUndo = errors.New("nothing to undo")

// Entry is one ledger row: the prior state of one mutated unit.
type Entry struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	BatchID        int64       `json:"batch_id"`
	Kind           action.Kind `json:"kind"`
	Sheet          string      `json:"sheet,omitempty"`
	Target         string      `json:"target"`
	// OldValue is the prior cell value for cell-level kinds.
	OldValue string `json:"old_value,omitempty"`
	// UndoData is a kind-specific serialized inverse payload for
	// structural kinds (sheet rename, sort snapshots, chart ids).
	UndoData  string    `json:"undo_data,omitempty"`
	Approved  bool      `json:"approved"`
	CreatedAt time.Time `json:"created_at"`
}

// Reverter replays the inverse of a ledger entry against the document.
// Implemented by the mutation executor.
type Reverter interface {
	Revert(ctx context.Context, e Entry) error
}

// Ledger is the sqlite-backed undo ledger. Batch ids are allocated from
// a process-global counter seeded from the database maximum, so they
// stay strictly increasing across restarts.
type Ledger struct {
	db        *sql.DB
	logger    *slog.Logger
	bus       *events.Bus
	lastBatch atomic.Int64
}

// New creates a ledger using the given database, migrating its schema
// and seeding the batch counter.
func New(db *sql.DB, logger *slog.Logger, bus *events.Bus) (*Ledger, error) {
	l := &Ledger{db: db, logger: logger, bus: bus}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var max int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(batch_id), 0) FROM undo_actions`).Scan(&max); err != nil {
		return nil, fmt.Errorf("seed batch counter: %w", err)
	}
	l.lastBatch.Store(max)
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS undo_actions (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		batch_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		sheet TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL,
		old_value TEXT,
		undo_data TEXT,
		approved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_undo_conversation ON undo_actions(conversation_id, approved);
	CREATE INDEX IF NOT EXISTS idx_undo_batch ON undo_actions(conversation_id, batch_id);
	`)
	return err
}

// BeginBatch allocates the next batch id. Batches scope the entries
// created within one approved operation or one explicit batch bracket;
// they are the unit of undo.
func (l *Ledger) BeginBatch() int64 {
	return l.lastBatch.Add(1)
}

// Record appends one entry with approved = false. Existing rows are
// never overwritten. The entry's ID and CreatedAt are assigned here.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.ConversationID == "" {
		return fmt.Errorf("record: conversation id is required")
	}
	if e.BatchID <= 0 {
		return fmt.Errorf("record: batch id is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO undo_actions (id, conversation_id, batch_id, kind, sheet, target, old_value, undo_data, approved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?)
	`, id.String(), e.ConversationID, e.BatchID, string(e.Kind), e.Sheet, e.Target, e.OldValue, e.UndoData, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	l.logger.Debug("ledger entry recorded",
		"conversation", e.ConversationID,
		"batch", e.BatchID,
		"kind", e.Kind,
		"target", e.Target,
	)
	return nil
}

// UndoBatch reverts every unapproved entry of one batch in
// reverse-of-application order and deletes the restored rows. Returns
// the number of restored entries. ErrNothingToUndo if the batch has no
// unapproved entries.
func (l *Ledger) UndoBatch(ctx context.Context, rev Reverter, conversationID string, batchID int64) (int, error) {
	return l.undo(ctx, rev, conversationID, `conversation_id = ? AND batch_id = ? AND approved = FALSE`, conversationID, batchID)
}

// UndoConversation reverts every unapproved entry of a conversation,
// newest first across all of its batches. Approved entries are left
// untouched.
func (l *Ledger) UndoConversation(ctx context.Context, rev Reverter, conversationID string) (int, error) {
	return l.undo(ctx, rev, conversationID, `conversation_id = ? AND approved = FALSE`, conversationID)
}

func (l *Ledger) undo(ctx context.Context, rev Reverter, conversationID, where string, args ...any) (int, error) {
	// rowid order is insertion order; undo replays it backwards so
	// dependent mutations unwind correctly (a cell edit after a sort
	// is reverted before the sort).
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, batch_id, kind, sheet, target, old_value, undo_data, approved, created_at
		FROM undo_actions
		WHERE `+where+`
		ORDER BY rowid DESC
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("query undo entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, ErrNothingToUndo
	}

	restored := 0
	for _, e := range entries {
		if err := rev.Revert(ctx, e); err != nil {
			// Entries already reverted are gone; the rest stay
			// eligible for a later undo.
			l.logger.Error("undo stopped",
				"conversation", conversationID,
				"batch", e.BatchID,
				"target", e.Target,
				"restored", restored,
				"error", err,
			)
			return restored, fmt.Errorf("revert %s %s: %w", e.Kind, e.Target, err)
		}
		if _, err := l.db.ExecContext(ctx, `DELETE FROM undo_actions WHERE id = ?`, e.ID); err != nil {
			return restored, fmt.Errorf("delete ledger entry: %w", err)
		}
		restored++
	}

	l.logger.Info("undo complete", "conversation", conversationID, "restored", restored)
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceLedger,
		Kind:      events.KindBatchUndone,
		Data:      map[string]any{"conversation_id": conversationID, "restored": restored},
	})
	return restored, nil
}

// Approve flips every unapproved entry for the conversation to
// approved. Irreversible: approved entries are historical-only and are
// never replayed. Idempotent: approving an already-approved
// conversation is a no-op.
func (l *Ledger) Approve(ctx context.Context, conversationID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE undo_actions SET approved = TRUE
		WHERE conversation_id = ? AND approved = FALSE
	`, conversationID)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("ledger entries approved", "conversation", conversationID, "count", n)
	}
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceLedger,
		Kind:      events.KindApproved,
		Data:      map[string]any{"conversation_id": conversationID, "approved": n},
	})
	return nil
}

// HasPendingEntries reports whether the conversation has any
// unapproved entries.
func (l *Ledger) HasPendingEntries(ctx context.Context, conversationID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM undo_actions
		WHERE conversation_id = ? AND approved = FALSE
	`, conversationID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending entries: %w", err)
	}
	return n > 0, nil
}

// Entries returns all entries for a conversation in application order.
func (l *Ledger) Entries(ctx context.Context, conversationID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, batch_id, kind, sheet, target, old_value, undo_data, approved, created_at
		FROM undo_actions
		WHERE conversation_id = ?
		ORDER BY rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return scanEntries(rows)
}

// DeleteConversation removes every entry for the conversation,
// approved or not. Called from the conversation deletion cascade.
func (l *Ledger) DeleteConversation(ctx context.Context, conversationID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM undo_actions WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation entries: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		var oldValue, undoData sql.NullString
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.BatchID, &kind, &e.Sheet, &e.Target, &oldValue, &undoData, &e.Approved, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Kind = action.Kind(kind)
		if oldValue.Valid {
			e.OldValue = oldValue.String
		}
		if undoData.Valid {
			e.UndoData = undoData.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
