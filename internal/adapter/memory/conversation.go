package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"overseer/internal/domain"
)

// ConversationStore is the durable conversation log, backed by SQLite.
// As a KnowledgeSource it serves the most recent exchanges; the pool
// appends completed exchanges so future invocations can see them.
type ConversationStore struct {
	db       *sql.DB
	maxTurns int
}

var _ domain.KnowledgeSource = (*ConversationStore)(nil)

// NewConversationStore opens (or creates) the SQLite database at dbPath
// and runs the schema migration.
func NewConversationStore(dbPath string, maxTurns int) (*ConversationStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation db: %w", err)
	}
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &ConversationStore{db: db, maxTurns: maxTurns}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
	`)
	return err
}

// Append records one conversation turn.
func (s *ConversationStore) Append(ctx context.Context, sessionID string, role domain.Role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), content, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return domain.WrapOp("conversation.append", err)
}

func (s *ConversationStore) Name() string { return "recent_conversation" }

// Lookup returns the most recent turns, oldest first, formatted for the
// context band. The query is unused: recency is the relevance signal.
func (s *ConversationStore) Lookup(ctx context.Context, _ string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM exchanges ORDER BY id DESC LIMIT ?`, s.maxTurns)
	if err != nil {
		return "", fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	type turn struct {
		role    string
		content string
	}
	var turns []turn
	for rows.Next() {
		var tn turn
		if err := rows.Scan(&tn.role, &tn.content); err != nil {
			return "", fmt.Errorf("scan exchange: %w", err)
		}
		turns = append(turns, tn)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate exchanges: %w", err)
	}
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## Recent Conversation\n")
	for i := len(turns) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(turns[i].role), turns[i].content)
	}
	return sb.String(), nil
}

// Close releases the database handle.
func (s *ConversationStore) Close() error { return s.db.Close() }
