// Package sqlite provides a durable core.SessionStore backed by SQLite.
//
// Each session is one row keyed by (app_id, user_id, session_id). The record
// itself is stored as a deterministic CBOR blob; a few columns are kept
// alongside for inspection with the sqlite3 shell.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
)

// Compile-time interface check.
var _ core.SessionStore = (*Store)(nil)

// Options configure a Store.
type Options struct {
	Logger logging.Logger
}

// Store implements core.SessionStore using SQLite.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// NewStore opens (or creates) the database at path. Parent directories are
// created if needed and the schema is applied automatically.
func NewStore(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, logger: opts.Logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("session.store.open", "driver", "sqlite", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			app_id     TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			record     BLOB NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (app_id, user_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(app_id, user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies idempotent column additions for older databases.
func (s *Store) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('sessions') WHERE name = 'turns'`,
			apply:  `ALTER TABLE sessions ADD COLUMN turns INTEGER NOT NULL DEFAULT 0`,
			column: "turns",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to sessions: %w", m.column, err)
		}
		s.logger.Info("session.store.migrated", "column", m.column, "table", "sessions")
	}

	return nil
}

// Get returns the record stored for key or core.ErrSessionNotFound.
func (s *Store) Get(ctx context.Context, key core.SessionKey) (*core.SessionRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE app_id = ? AND user_id = ? AND session_id = ?`,
		key.AppID, key.UserID, key.SessionID,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", key, err)
	}
	return rec, nil
}

// Create inserts rec or returns core.ErrSessionExists.
func (s *Store) Create(ctx context.Context, rec *core.SessionRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.Key, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (app_id, user_id, session_id, record, turns, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Key.AppID, rec.Key.UserID, rec.Key.SessionID, data, len(rec.History),
		formatTime(rec.Created), formatTime(rec.Updated),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return core.ErrSessionExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("session.store.created", "session", rec.Key.String())
	return nil
}

// Save overwrites an existing record or returns core.ErrSessionNotFound.
func (s *Store) Save(ctx context.Context, rec *core.SessionRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.Key, err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET record = ?, turns = ?, updated_at = ?
		 WHERE app_id = ? AND user_id = ? AND session_id = ?`,
		data, len(rec.History), formatTime(rec.Updated),
		rec.Key.AppID, rec.Key.UserID, rec.Key.SessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

// Keys lists the sessions of one user, most recently updated first.
func (s *Store) Keys(ctx context.Context, appID, userID string) ([]core.SessionKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM sessions WHERE app_id = ? AND user_id = ? ORDER BY updated_at DESC, session_id`,
		appID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var keys []core.SessionKey
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		keys = append(keys, core.SessionKey{AppID: appID, UserID: userID, SessionID: id})
	}
	return keys, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("session.store.close", "driver", "sqlite")
	return s.db.Close()
}

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
