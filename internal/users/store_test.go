package users

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/gatekeep/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(ctx, db))
	return NewStore(db).WithCost(bcrypt.MinCost)
}

func TestCreateAndAuthenticate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "testuser", "testpassword")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Empty(t, created.PasswordHash, "hash must not leak from Create")

	exists, err := s.Exists(ctx, "testuser")
	require.NoError(t, err)
	assert.True(t, exists)

	user, err := s.Authenticate(ctx, "testuser", "testpassword")
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)
	assert.Empty(t, user.PasswordHash)
}

func TestStoredHashIsNotPlaintext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "testuser", "testpassword")
	require.NoError(t, err)

	user, err := s.GetByUsername(ctx, "testuser")
	require.NoError(t, err)
	assert.NotEqual(t, "testpassword", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("testpassword")))
}

func TestAuthenticateErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "testuser", "testpassword")
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, "testuser1", "testpassword")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Authenticate(ctx, "testuser", "testpassword1")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "testuser", "testpassword")
	require.NoError(t, err)

	_, err = s.Create(ctx, "testuser", "otherpassword")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// 元のパスワードは変わらない
	_, err = s.Authenticate(ctx, "testuser", "testpassword")
	assert.NoError(t, err)
}

func TestUsernameIsCaseSensitive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "Alice", "pw")
	require.NoError(t, err)

	exists, err := s.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Create(ctx, "alice", "pw")
	assert.NoError(t, err)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, "racer", "pw")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case err == ErrAlreadyExists:
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, dupes)
}
