package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// CredentialStore is the flat JSON users file. Every read and every
// load-mutate-persist cycle holds both an in-process mutex and a file lock,
// so concurrent nickname updates cannot drop each other's writes.
type CredentialStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

func NewCredentialStore(path string) (*CredentialStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create users directory: %w", err)
	}
	return &CredentialStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (s *CredentialStore) FindUser(uid string) (*User, error) {
	var found *User
	err := s.withLock(func() error {
		for _, u := range s.load().Users {
			if u.UID == uid {
				user := u
				found = &user
				return nil
			}
		}
		return ErrUserNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *CredentialStore) ListUsers() ([]User, error) {
	var users []User
	err := s.withLock(func() error {
		users = s.load().Users
		return nil
	})
	return users, err
}

func (s *CredentialStore) UpdateNickname(uid, nickname string) error {
	return s.withLock(func() error {
		data := s.load()
		idx := -1
		for i := range data.Users {
			if data.Users[i].UID == uid {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrUserNotFound
		}
		data.Users[idx].Nickname = nickname
		return s.persist(data)
	})
}

func (s *CredentialStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock users file: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			log.Printf("Warning: failed to unlock users file: %v", err)
		}
	}()
	return fn()
}

// load treats a missing or unreadable users file as empty.
func (s *CredentialStore) load() usersFile {
	var data usersFile
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("Warning: failed to read users file %s: %v. Treating as empty.", s.path, err)
		}
		return data
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("Warning: users file %s is corrupt: %v. Treating as empty.", s.path, err)
		return usersFile{}
	}
	return data
}

func (s *CredentialStore) persist(data usersFile) error {
	if data.Users == nil {
		data.Users = []User{}
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal users: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".users-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp users file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write users file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close users file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace users file: %w", err)
	}
	return nil
}
