package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("auth.pin", []byte("blob-1")))

	got, err := store.Get("auth.pin")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-1"), got)
}

func TestPutOverwrites(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("k", []byte("old")))
	require.NoError(t, store.Put("k", []byte("new")))

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestGetMissingKey(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("absent")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestHas(t *testing.T) {
	store := newTestStore(t)

	ok, err := store.Has("k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put("k", []byte("v")))

	ok, err = store.Has("k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("k", []byte("v")))
	require.NoError(t, store.Delete("k"))
	require.NoError(t, store.Delete("k"))

	_, err := store.Get("k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestListKeysByPrefix(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("data.budgets", []byte("a")))
	require.NoError(t, store.Put("data.goals", []byte("b")))
	require.NoError(t, store.Put("auth.pin", []byte("c")))

	keys, err := store.ListKeys("data.")
	require.NoError(t, err)
	assert.Equal(t, []string{"data.budgets", "data.goals"}, keys)
}

func TestDeletePrefix(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("keys.salt.master", []byte("a")))
	require.NoError(t, store.Put("keys.meta.master", []byte("b")))
	require.NoError(t, store.Put("auth.pin", []byte("c")))

	deleted, err := store.DeletePrefix("keys.")
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	ok, err := store.Has("auth.pin")
	require.NoError(t, err)
	assert.True(t, ok)
}
