package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineFactories returns one fresh engine per backend.
func engineFactories(t *testing.T) map[string]func() Engine {
	t.Helper()
	return map[string]func() Engine{
		"memory": func() Engine {
			return NewMemoryEngine()
		},
		"badger": func() Engine {
			e, err := NewBadgerEngineInMemory()
			require.NoError(t, err)
			return e
		},
		"bolt": func() Engine {
			e, err := NewBoltEngine(BoltOptions{Dir: t.TempDir(), NoSync: true})
			require.NoError(t, err)
			return e
		},
	}
}

func TestEngine_CRUD(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()

			_, err := e.Get(BucketBackups, "board-1")
			assert.ErrorIs(t, err, ErrNotFound)

			value := []byte(`{"nodes":[]}`)
			require.NoError(t, e.Put(BucketBackups, "board-1", value))
			value[0] = 'X'

			got, err := e.Get(BucketBackups, "board-1")
			require.NoError(t, err)
			assert.Equal(t, `{"nodes":[]}`, string(got), "stored value is a copy")

			got[0] = 'Y'
			again, err := e.Get(BucketBackups, "board-1")
			require.NoError(t, err)
			assert.Equal(t, byte('{'), again[0], "returned value is a copy")

			require.NoError(t, e.Put(BucketBackups, "board-1", []byte("v2")))
			got, err = e.Get(BucketBackups, "board-1")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(got))

			require.NoError(t, e.Delete(BucketBackups, "board-1"))
			require.NoError(t, e.Delete(BucketBackups, "board-1"), "deleting twice is fine")
			_, err = e.Get(BucketBackups, "board-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_BucketsAreIsolated(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()

			require.NoError(t, e.Put(BucketBoards, "b", []byte("board")))
			require.NoError(t, e.Put(BucketBoards, "a", []byte("board")))
			require.NoError(t, e.Put(BucketUsers, "a", []byte("user")))
			// "boards" is a prefix of "boardsx"; keys must not leak.
			require.NoError(t, e.Put("boardsx", "z", []byte("other")))

			keys, err := e.Keys(BucketBoards)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, keys)

			got, err := e.Get(BucketUsers, "a")
			require.NoError(t, err)
			assert.Equal(t, "user", string(got))

			keys, err = e.Keys("empty")
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestEngine_Validation(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()

			assert.ErrorIs(t, e.Put("", "k", nil), ErrInvalidBucket)
			assert.ErrorIs(t, e.Put("b", "", nil), ErrInvalidID)
			_, err := e.Get("bad\x00bucket", "k")
			assert.ErrorIs(t, err, ErrInvalidBucket)
		})
	}
}

func TestEngine_Closed(t *testing.T) {
	for name, newEngine := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			require.NoError(t, e.Close())

			_, err := e.Get(BucketBackups, "k")
			assert.ErrorIs(t, err, ErrStorageClosed)
			assert.ErrorIs(t, e.Put(BucketBackups, "k", []byte("v")), ErrStorageClosed)
			assert.ErrorIs(t, e.Delete(BucketBackups, "k"), ErrStorageClosed)
			_, err = e.Keys(BucketBackups)
			assert.ErrorIs(t, err, ErrStorageClosed)
		})
	}
}

func TestOpen(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		e, err := Open(OpenOptions{Backend: BackendMemory})
		require.NoError(t, err)
		assert.IsType(t, &MemoryEngine{}, e)
		require.NoError(t, e.Close())
	})

	t.Run("bolt persists across reopen", func(t *testing.T) {
		dir := t.TempDir()
		e, err := Open(OpenOptions{Backend: BackendBolt, DataDir: dir})
		require.NoError(t, err)
		require.NoError(t, e.Put(BucketBackups, "k", []byte("v")))
		require.NoError(t, e.Close())

		e, err = Open(OpenOptions{Backend: BackendBolt, DataDir: dir})
		require.NoError(t, err)
		defer e.Close()
		got, err := e.Get(BucketBackups, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))
		assert.FileExists(t, filepath.Join(dir, BoltFileName))
	})

	t.Run("bolt rejects encryption", func(t *testing.T) {
		_, err := Open(OpenOptions{Backend: BackendBolt, DataDir: t.TempDir(), EncryptionPassword: "pw"})
		assert.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(OpenOptions{Backend: "etcd"})
		assert.Error(t, err)
	})
}

// keyOnlyEngine hides any bulk delete of the wrapped engine.
type keyOnlyEngine struct{ Engine }

func TestDeleteBucket_AllEngines(t *testing.T) {
	factories := engineFactories(t)
	factories["key by key"] = func() Engine { return keyOnlyEngine{NewMemoryEngine()} }

	for name, newEngine := range factories {
		t.Run(name, func(t *testing.T) {
			e := newEngine()
			defer e.Close()
			require.NoError(t, e.Put(BucketBackups, "a", []byte("1")))
			require.NoError(t, e.Put(BucketBackups, "b", []byte("2")))
			require.NoError(t, e.Put(BucketBoards, "a", []byte("3")))

			n, err := DeleteBucket(e, BucketBackups)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			keys, err := e.Keys(BucketBackups)
			require.NoError(t, err)
			assert.Empty(t, keys)
			_, err = e.Get(BucketBoards, "a")
			assert.NoError(t, err, "other buckets are untouched")

			n, err = DeleteBucket(e, BucketBackups)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}
