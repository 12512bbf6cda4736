package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBadgerEngineWithOptions(t *testing.T) {
	t.Run("data dir required", func(t *testing.T) {
		_, err := NewBadgerEngineWithOptions(BadgerOptions{})
		assert.Error(t, err)
	})

	t.Run("rejects bad key length", func(t *testing.T) {
		_, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true, EncryptionKey: []byte("short")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "16, 24, or 32 bytes")
	})

	t.Run("low memory persistent", func(t *testing.T) {
		dir := t.TempDir()
		e, err := NewBadgerEngineWithOptions(BadgerOptions{DataDir: dir, LowMemory: true, SyncWrites: true})
		require.NoError(t, err)
		assert.False(t, e.IsInMemory())
		require.NoError(t, e.Put(BucketBackups, "k", []byte("v")))
		require.NoError(t, e.Sync())
		require.NoError(t, e.RunGC())
		require.NoError(t, e.Close())
		require.NoError(t, e.Close(), "close is idempotent")

		e, err = NewBadgerEngine(dir)
		require.NoError(t, err)
		defer e.Close()
		got, err := e.Get(BucketBackups, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))
	})
}

func TestBadgerEngine_Encrypted(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(OpenOptions{Backend: BackendBadger, DataDir: dir, EncryptionPassword: "secret"})
	require.NoError(t, err)
	require.NoError(t, e.Put(BucketBackups, "k", []byte("v")))
	require.NoError(t, e.Close())

	salt, err := os.ReadFile(filepath.Join(dir, SaltFileName))
	require.NoError(t, err)
	assert.Len(t, salt, 32)

	e, err = Open(OpenOptions{Backend: BackendBadger, DataDir: dir, EncryptionPassword: "secret"})
	require.NoError(t, err)
	defer e.Close()
	got, err := e.Get(BucketBackups, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestDeriveKey(t *testing.T) {
	dir := t.TempDir()
	k1, err := DeriveKey("pw", dir)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := DeriveKey("pw", dir)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "salt is reused")

	k3, err := DeriveKey("other", dir)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey("", dir)
	assert.Error(t, err)
}

func TestBadgerEngine_BackupRestore(t *testing.T) {
	src, err := NewBadgerEngine(t.TempDir())
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Put(BucketBoards, "b1", []byte("one")))
	require.NoError(t, src.Put(BucketBoards, "b2", []byte("two")))

	path := filepath.Join(t.TempDir(), "backup.bin")
	require.NoError(t, src.Backup(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	dst, err := NewBadgerEngine(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()
	require.NoError(t, dst.Restore(path))

	keys, err := dst.Keys(BucketBoards)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, keys)

	require.NoError(t, src.Close())
	assert.ErrorIs(t, src.Backup(path), ErrStorageClosed)
}

func TestDeleteBucket(t *testing.T) {
	t.Run("badger", func(t *testing.T) {
		e, err := NewBadgerEngineInMemory()
		require.NoError(t, err)
		defer e.Close()
		require.NoError(t, e.Put(BucketBackups, "a", []byte("1")))
		require.NoError(t, e.Put(BucketBackups, "b", []byte("2")))
		require.NoError(t, e.Put(BucketBoards, "a", []byte("3")))

		n, err := e.DeleteBucket(BucketBackups)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		keys, err := e.Keys(BucketBackups)
		require.NoError(t, err)
		assert.Empty(t, keys)
		_, err = e.Get(BucketBoards, "a")
		assert.NoError(t, err)
	})

	t.Run("bolt", func(t *testing.T) {
		e, err := NewBoltEngine(BoltOptions{Dir: t.TempDir()})
		require.NoError(t, err)
		defer e.Close()
		require.NoError(t, e.Put(BucketBackups, "a", []byte("1")))

		n, err := e.DeleteBucket(BucketBackups)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = e.DeleteBucket(BucketBackups)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
