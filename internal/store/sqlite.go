// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Session and credential persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			label       TEXT NOT NULL DEFAULT '',
			me_identity TEXT NOT NULL DEFAULT '',
			connected   INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);

		CREATE TABLE IF NOT EXISTS credentials (
			session_id TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			session_id        TEXT NOT NULL,
			address           TEXT NOT NULL,
			display_name      TEXT NOT NULL DEFAULT '',
			is_group          INTEGER NOT NULL DEFAULT 0,
			last_message_id   TEXT NOT NULL DEFAULT '',
			last_message_text TEXT NOT NULL DEFAULT '',
			last_message_type TEXT NOT NULL DEFAULT '',
			last_message_at   TEXT NOT NULL,
			unread_count      INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			PRIMARY KEY (session_id, address)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_session_last
			ON conversations(session_id, last_message_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			address     TEXT NOT NULL,
			direction   TEXT NOT NULL,
			external_id TEXT NOT NULL,
			text        TEXT NOT NULL DEFAULT '',
			media_url   TEXT NOT NULL DEFAULT '',
			type        TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			raw         BLOB,
			contact_id  TEXT NOT NULL DEFAULT '',
			campaign_id TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,

			CHECK (direction IN ('INCOMING', 'OUTGOING'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_external
			ON messages(session_id, external_id);

		CREATE INDEX IF NOT EXISTS idx_messages_session_address
			ON messages(session_id, address, created_at DESC);

		CREATE TABLE IF NOT EXISTS campaigns (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			text       TEXT NOT NULL DEFAULT '',
			image_url  TEXT NOT NULL DEFAULT '',
			delay_ms   INTEGER NOT NULL DEFAULT 0,
			jitter_ms  INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,

			CHECK (type IN ('TEXT', 'IMAGE'))
		);

		CREATE INDEX IF NOT EXISTS idx_campaigns_session ON campaigns(session_id);

		CREATE TABLE IF NOT EXISTS delivery_results (
			id          TEXT PRIMARY KEY,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id),
			address     TEXT NOT NULL,
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			contact_id  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,

			CHECK (status IN ('SENT', 'SKIPPED', 'FAILED'))
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_campaign ON delivery_results(campaign_id);

		CREATE TABLE IF NOT EXISTS contacts (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			phone      TEXT NOT NULL,
			name       TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'ACTIVE',
			source     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// CreateSession inserts the session row. Returns ErrDuplicateSession if
// a row with the same id exists; callers then update in place instead.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, owner_id, label, me_identity, connected, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.OwnerID,
		sess.Label,
		sess.MeIdentity,
		boolToInt(sess.Connected),
		formatTime(sess.CreatedAt),
		formatTime(sess.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "owner_id", sess.OwnerID)
	return nil
}

// GetSession retrieves a session by id.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, owner_id, label, me_identity, connected, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	return scanSession(row.Scan)
}

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var sess Session
	var connected int
	var createdAtStr, updatedAtStr string

	err := scan(
		&sess.ID,
		&sess.OwnerID,
		&sess.Label,
		&sess.MeIdentity,
		&connected,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Connected = connected != 0

	sess.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

// UpdateSessionStatus updates the connected flag and resolved identity.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, id string, connected bool, meIdentity string) error {
	query := `
		UPDATE sessions
		SET connected = ?, me_identity = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		boolToInt(connected), meIdentity, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated session status", "id", id, "connected", connected)
	return nil
}

// SetSessionConnected flips only the connected flag. Unlike
// UpdateSessionStatus it is a no-op for a missing row, matching the
// close path where the row may not have been created yet.
func (s *SQLiteStore) SetSessionConnected(ctx context.Context, id string, connected bool) error {
	query := `UPDATE sessions SET connected = ?, updated_at = ? WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query, boolToInt(connected), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting session connected: %w", err)
	}
	return nil
}

// ListSessions returns all sessions for an owner, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]*Session, error) {
	query := `
		SELECT id, owner_id, label, me_identity, connected, created_at, updated_at
		FROM sessions
		WHERE owner_id = ?
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// SaveCredentials atomically upserts the full serialized credential blob.
// Invoked on every rotation event from the protocol layer.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, sessionID string, blob []byte) error {
	query := `
		INSERT OR REPLACE INTO credentials (session_id, blob, updated_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, sessionID, blob, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	s.logger.Debug("saved credentials", "session_id", sessionID, "size", len(blob))
	return nil
}

// LoadCredentials retrieves the credential blob for a session.
// Returns ErrNotFound if no blob has been saved.
func (s *SQLiteStore) LoadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	query := `SELECT blob FROM credentials WHERE session_id = ?`

	var blob []byte
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	return blob, nil
}

// DeleteCredentials removes the credential blob on terminal logout,
// forcing the next connect to re-pair from empty credentials.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}

	s.logger.Debug("deleted credentials", "session_id", sessionID)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
