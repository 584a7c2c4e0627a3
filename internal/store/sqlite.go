package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

var _ SessionStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// A single connection keeps sqlite writes serialized.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        uid TEXT NOT NULL,
        nickname TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        expires_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO sessions (id, uid, nickname, created_at, expires_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare session insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, session.ID, session.UID, session.Nickname, session.CreatedAt.UTC(), session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to execute session insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx,
		"SELECT id, uid, nickname, created_at, expires_at FROM sessions WHERE id = ?", id,
	).Scan(&session.ID, &session.UID, &session.Nickname, &session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if session.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (s *SQLiteStore) UpdateSessionNickname(ctx context.Context, id, nickname string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET nickname = ? WHERE id = ?", nickname, id)
	if err != nil {
		return fmt.Errorf("failed to update session nickname: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
