package blockstore

import (
	"context"
	"testing"

	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(t *testing.T, data []byte) multihash.Multihash {
	t.Helper()
	h, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return h
}

func TestFileStorePutGet(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		data := []byte("hello block")
		h := testHash(t, data)

		require.NoError(t, store.Put(ctx, h, data))

		got, ok, err := store.TryGet(ctx, h)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, data, got)
	})

	t.Run("absent block", func(t *testing.T) {
		h := testHash(t, []byte("never written"))
		_, ok, err := store.TryGet(ctx, h)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("idempotent put", func(t *testing.T) {
		data := []byte("idempotent")
		h := testHash(t, data)
		require.NoError(t, store.Put(ctx, h, data))
		require.NoError(t, store.Put(ctx, h, data))

		size, ok, err := store.Length(ctx, h)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, len(data), size)
	})

	t.Run("remove then absent", func(t *testing.T) {
		data := []byte("to remove")
		h := testHash(t, data)
		require.NoError(t, store.Put(ctx, h, data))
		require.NoError(t, store.Remove(ctx, h))

		exists, err := store.Exists(ctx, h)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("remove absent is not an error", func(t *testing.T) {
		h := testHash(t, []byte("was never here"))
		assert.NoError(t, store.Remove(ctx, h))
	})
}

func TestFileStoreNames(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)

	written := map[string][]byte{}
	for _, s := range []string{"a", "b", "c"} {
		data := []byte(s)
		h := testHash(t, data)
		require.NoError(t, store.Put(ctx, h, data))
		written[h.HexString()] = data
	}

	names, errc := store.Names(ctx)
	seen := map[string]struct{}{}
	for h := range names {
		seen[h.HexString()] = struct{}{}
	}
	require.NoError(t, <-errc)
	assert.Len(t, seen, len(written))
	for k := range written {
		assert.Contains(t, seen, k)
	}
}

func TestRehashDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("integrity check")
	h := testHash(t, data)
	require.NoError(t, store.Put(ctx, h, data))

	assert.NoError(t, Rehash(ctx, store, h))

	// corrupt the stored bytes: Put does not check that data hashes to h.
	require.NoError(t, store.Remove(ctx, h))
	require.NoError(t, store.Put(ctx, h, []byte("tampered bytes of a different length")))

	err = Rehash(ctx, store, h)
	assert.Error(t, err)
}
