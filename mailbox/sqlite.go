package mailbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a durable core.MailboxStore so undelivered messages survive
// process restarts. The schema is created automatically on open.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a sqlite-backed mailbox store at the given
// path. Parent directories are created if needed.
func NewSQLite(path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS mailbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at DATETIME NOT NULL,
			expires_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_mailbox_agent_id
			ON mailbox(agent_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue appends data to the agent's mailbox. A non-positive TTL stores the
// entry without expiry.
func (s *SQLite) Enqueue(ctx context.Context, agentID string, data []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	var expiresAt *string
	if ttl > 0 {
		v := now.Add(ttl).Format(time.RFC3339Nano)
		expiresAt = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mailbox (agent_id, payload, enqueued_at, expires_at) VALUES (?, ?, ?, ?)`,
		agentID, data, now.Format(time.RFC3339Nano), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting mailbox entry: %w", err)
	}
	return nil
}

// Drain removes and returns every non-expired entry in FIFO order. Expired
// entries are deleted alongside the delivered ones.
func (s *SQLite) Drain(ctx context.Context, agentID string) ([][]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning drain transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := tx.QueryContext(ctx,
		`SELECT payload FROM mailbox
		 WHERE agent_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY id`,
		agentID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying mailbox: %w", err)
	}

	var out [][]byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning mailbox entry: %w", err)
		}
		out = append(out, payload)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mailbox entries: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mailbox WHERE agent_id = ?`, agentID); err != nil {
		return nil, fmt.Errorf("clearing mailbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing drain: %w", err)
	}
	return out, nil
}

// Len reports the number of stored entries, expired ones included.
func (s *SQLite) Len(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mailbox WHERE agent_id = ?`, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting mailbox entries: %w", err)
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }
