package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gwi.com/bot-portal/internal/auth"
	"gwi.com/bot-portal/internal/store"
)

// AccountService ties the credential store to the session store. The
// credential store owns nicknames; sessions cache them.
type AccountService struct {
	users      *store.CredentialStore
	sessions   store.SessionStore
	sessionTTL time.Duration
}

func NewAccountService(users *store.CredentialStore, sessions store.SessionStore, sessionTTL time.Duration) *AccountService {
	return &AccountService{
		users:      users,
		sessions:   sessions,
		sessionTTL: sessionTTL,
	}
}

// Login checks the credentials and opens a new session.
func (s *AccountService) Login(ctx context.Context, uid, password string) (*store.Session, error) {
	user, err := s.users.FindUser(uid)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if !auth.CheckPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	if !auth.IsHashed(user.Password) {
		log.Printf("Warning: user %s has a plaintext password; replace it with the output of -hash-password", uid)
	}

	now := time.Now()
	session := &store.Session{
		ID:        uuid.NewString(),
		UID:       user.UID,
		Nickname:  user.Nickname,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

func (s *AccountService) Session(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

func (s *AccountService) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.DeleteSession(ctx, sessionID)
}

// SetNickname writes the nickname to the credential store first, then to the
// session, so a session never shows a nickname the store does not have.
func (s *AccountService) SetNickname(ctx context.Context, session *store.Session, nickname string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	if err := s.users.UpdateNickname(session.UID, nickname); err != nil {
		return "", err
	}
	if err := s.sessions.UpdateSessionNickname(ctx, session.ID, nickname); err != nil {
		return "", fmt.Errorf("failed to update session nickname: %w", err)
	}
	session.Nickname = nickname
	return nickname, nil
}

// SweepExpiredSessions deletes expired sessions every interval until ctx ends.
func (s *AccountService) SweepExpiredSessions(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.sessions.DeleteExpiredSessions(ctx)
			if err != nil {
				log.Printf("Failed to sweep expired sessions: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Swept %d expired sessions", n)
			}
		}
	}
}
