// Package archive mirrors finalized chat messages into a local SQLite
// database so transcripts survive disconnects and can be read offline.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Message is one archived chat turn.
type Message struct {
	ID         string
	SessionKey string
	Role       string
	Text       string
	CreatedAt  time.Time
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		session_key TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (session_key, id)
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_session_time
		ON messages (session_key, created_at)`)
	return err
}

// Append stores one message. Replays are harmless: the (session, id)
// primary key makes a second write of the same message an upsert.
func (s *Store) Append(m Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, session_key, role, text, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_key, id) DO UPDATE SET text = excluded.text`,
		m.ID, m.SessionKey, m.Role, m.Text, m.CreatedAt.UTC(),
	)
	return err
}

// Recent returns the newest messages for a session in chronological order.
func (s *Store) Recent(sessionKey string, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_key, role, text, created_at FROM (
			SELECT id, session_key, role, text, created_at FROM messages
			WHERE session_key = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Text, &m.CreatedAt); err != nil {
			continue
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// Sessions lists the distinct session keys present in the archive,
// newest activity first.
func (s *Store) Sessions() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT session_key, MAX(created_at) AS latest FROM messages
		 GROUP BY session_key ORDER BY latest DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		var latest time.Time
		if err := rows.Scan(&key, &latest); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
