package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func openTestStore(t *testing.T) *Store[record] {
	t.Helper()
	s, err := Open[record](filepath.Join(t.TempDir(), "state.db"), "containers")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "app:1.0-1", &record{ID: "app:1.0-1", State: "running"}))

	got, err := s.Get(ctx, "app:1.0-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.State)
}

func TestStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "absent")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "a", &record{ID: "a"}))
	require.NoError(t, s.Delete(ctx, "a"))
	_, err := s.Get(ctx, "a")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete(ctx, "a"))
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "app:1.0-1", &record{ID: "app:1.0-1", State: "stopped"}))
	require.NoError(t, s.Put(ctx, "app:1.0-2", &record{ID: "app:1.0-2", State: "running"}))
	require.NoError(t, s.Put(ctx, "db:2.0-1", &record{ID: "db:2.0-1", State: "running"}))

	var keys []string
	err := s.List(ctx, "app:", func(key string, v *record) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"app:1.0-1", "app:1.0-2"}, keys)
}
