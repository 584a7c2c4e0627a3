package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
)

type User struct {
	UID      string `json:"uid"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

// usersFile is the on-disk shape of the credential store.
type usersFile struct {
	Users []User `json:"users"`
}

type Session struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionStore persists server-side sessions. GetSession never returns an
// expired session; it reports ErrSessionNotFound instead.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionNickname(ctx context.Context, id, nickname string) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
	Close() error
}
