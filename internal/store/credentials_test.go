package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeUsers(t *testing.T, users ...User) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	raw, err := json.Marshal(usersFile{Users: users})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestCredentialStore_FindUser(t *testing.T) {
	path := writeUsers(t, User{UID: "a", Password: "right"}, User{UID: "b", Password: "pw", Nickname: "Bee"})
	s, err := NewCredentialStore(path)
	require.NoError(t, err)

	u, err := s.FindUser("b")
	require.NoError(t, err)
	assert.Equal(t, "Bee", u.Nickname)

	_, err = s.FindUser("zzz")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCredentialStore_MissingFileIsEmpty(t *testing.T) {
	s, err := NewCredentialStore(filepath.Join(t.TempDir(), "nested", "users.json"))
	require.NoError(t, err)

	users, err := s.ListUsers()
	require.NoError(t, err)
	assert.Empty(t, users)

	_, err = s.FindUser("a")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCredentialStore_CorruptFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewCredentialStore(path)
	require.NoError(t, err)

	users, err := s.ListUsers()
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestCredentialStore_UpdateNicknamePersists(t *testing.T) {
	path := writeUsers(t, User{UID: "a", Password: "right"})
	s, err := NewCredentialStore(path)
	require.NoError(t, err)

	require.NoError(t, s.UpdateNickname("a", "Ace"))

	// A fresh store over the same file sees the change.
	s2, err := NewCredentialStore(path)
	require.NoError(t, err)
	u, err := s2.FindUser("a")
	require.NoError(t, err)
	assert.Equal(t, "Ace", u.Nickname)
	assert.Equal(t, "right", u.Password)
}

func TestCredentialStore_UpdateNicknameUnknownUser(t *testing.T) {
	path := writeUsers(t, User{UID: "a", Password: "right"})
	s, err := NewCredentialStore(path)
	require.NoError(t, err)

	assert.ErrorIs(t, s.UpdateNickname("ghost", "Boo"), ErrUserNotFound)
}

func TestCredentialStore_ConcurrentUpdatesKeepEveryWrite(t *testing.T) {
	var users []User
	for i := 0; i < 20; i++ {
		users = append(users, User{UID: fmt.Sprintf("u%d", i), Password: "pw"})
	}
	path := writeUsers(t, users...)
	s, err := NewCredentialStore(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.UpdateNickname(fmt.Sprintf("u%d", i), fmt.Sprintf("nick%d", i)))
		}(i)
	}
	wg.Wait()

	got, err := s.ListUsers()
	require.NoError(t, err)
	require.Len(t, got, 20)
	for _, u := range got {
		assert.Equal(t, "nick"+u.UID[1:], u.Nickname)
	}
}
