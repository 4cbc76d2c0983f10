package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_generations (
	chat_id              TEXT PRIMARY KEY,
	assistant_message_id TEXT NOT NULL,
	started_at           TIMESTAMP NOT NULL
);
`

// Entry is one chat with a generation believed to be in flight server side.
type Entry struct {
	ChatID             string
	AssistantMessageID string
	StartedAt          time.Time
}

// Ledger persists which chats have an in-flight generation, so a restarted
// client can re-attach to them instead of losing the stream. An entry is
// written when the backend acknowledges the assistant message and cleared on
// any terminal outcome; entries found at startup are therefore candidates
// for resumption.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Add records an in-flight generation for the chat. A chat has at most one
// generation in flight, so a second Add replaces the first.
func (l *Ledger) Add(chatID, assistantMessageID string) error {
	_, err := l.db.Exec(`
		INSERT INTO pending_generations (chat_id, assistant_message_id, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			assistant_message_id = excluded.assistant_message_id,
			started_at = excluded.started_at`,
		chatID, assistantMessageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record pending generation for chat %s: %w", chatID, err)
	}
	return nil
}

// Remove clears the chat's entry. Removing an absent entry is a no-op.
func (l *Ledger) Remove(chatID string) error {
	if _, err := l.db.Exec(`DELETE FROM pending_generations WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to clear pending generation for chat %s: %w", chatID, err)
	}
	return nil
}

// List returns all recorded in-flight generations, oldest first.
func (l *Ledger) List() ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT chat_id, assistant_message_id, started_at
		FROM pending_generations
		ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending generations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ChatID, &e.AssistantMessageID, &e.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending generation: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending generations: %w", err)
	}
	return entries, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
