// Package session persists login state and conversation history locally and
// talks to the backend's HTTP API for everything outside the websocket.
package session

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// A saved login is reused on restart unless it has gone stale.
const (
	sessionKey = "user_session_v2"
	staleAfter = time.Hour
)

// Session is a persisted login.
type Session struct {
	UserID    string
	UserName  string
	UpdatedAt time.Time
}

// Message is one persisted transcript entry.
type Message struct {
	ID        string
	Role      string // "user" or "bot"
	Content   string
	CreatedAt time.Time
}

// Store is the local sqlite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenStore opens (and if needed creates) the database at path.
func OpenStore(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: logger.With().Str("component", "store").Logger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			key        TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			user_name  TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`)
	return err
}

// SaveSession records the active login, refreshing its timestamp.
func (s *Store) SaveSession(userID, userName string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (key, user_id, user_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			user_id = excluded.user_id,
			user_name = excluded.user_name,
			updated_at = excluded.updated_at
	`, sessionKey, userID, userName, time.Now().Unix())
	return err
}

// LoadSession returns the saved login, or nil when none exists or the saved
// one is older than an hour. A stale session is deleted on the way out.
func (s *Store) LoadSession() (*Session, error) {
	row := s.db.QueryRow(
		`SELECT user_id, user_name, updated_at FROM sessions WHERE key = ?`, sessionKey)

	var sess Session
	var updated int64
	if err := row.Scan(&sess.UserID, &sess.UserName, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sess.UpdatedAt = time.Unix(updated, 0)

	if time.Since(sess.UpdatedAt) > staleAfter {
		s.logger.Info().Str("user_id", sess.UserID).Msg("Saved session is stale; discarding")
		if err := s.ClearSession(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &sess, nil
}

// Touch refreshes the saved session's timestamp so active use keeps it alive.
func (s *Store) Touch() error {
	_, err := s.db.Exec(
		`UPDATE sessions SET updated_at = ? WHERE key = ?`, time.Now().Unix(), sessionKey)
	return err
}

// ClearSession removes the saved login.
func (s *Store) ClearSession() error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, sessionKey)
	return err
}

// AppendMessage persists one transcript entry. A missing ID is generated.
func (s *Store) AppendMessage(m Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Role, m.Content, m.CreatedAt.UnixMilli())
	return err
}

// History returns the most recent limit messages in chronological order.
// limit <= 0 returns everything.
func (s *Store) History(limit int) ([]Message, error) {
	query := `SELECT id, role, content, created_at FROM messages ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; callers want oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ClearHistory removes all transcript entries.
func (s *Store) ClearHistory() error {
	_, err := s.db.Exec(`DELETE FROM messages`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
