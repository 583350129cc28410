package datastore

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	badger4 "github.com/ipfs/go-ds-badger4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Datastore {
	t.Helper()
	store, err := Open(t.TempDir(), &badger4.DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func drain(t *testing.T, out <-chan KeyValue, errc <-chan error) map[string][]byte {
	t.Helper()
	got := make(map[string][]byte)
	for out != nil || errc != nil {
		select {
		case kv, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			got[kv.Key.String()] = kv.Value
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			require.NoError(t, err)
		}
	}
	return got
}

func TestIteratorStreamsAllKeysUnderPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, ds.NewKey("/a/one"), []byte("1")))
	require.NoError(t, store.Put(ctx, ds.NewKey("/a/two"), []byte("2")))
	require.NoError(t, store.Put(ctx, ds.NewKey("/b/three"), []byte("3")))

	out, errc, err := store.Iterator(ctx, ds.NewKey("/a"), false)
	require.NoError(t, err)

	got := drain(t, out, errc)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got["/a/one"])
	assert.Equal(t, []byte("2"), got["/a/two"])
}

func TestClearRemovesEveryKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, ds.NewKey("/x"), []byte("1")))
	require.NoError(t, store.Put(ctx, ds.NewKey("/y"), []byte("2")))

	require.NoError(t, store.Clear(ctx))

	has, err := store.Has(ctx, ds.NewKey("/x"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestMergeCopiesAllKeysFromOther(t *testing.T) {
	ctx := context.Background()
	dst := newTestStore(t)
	src := newTestStore(t)

	require.NoError(t, src.Put(ctx, ds.NewKey("/merged"), []byte("value")))

	require.NoError(t, dst.Merge(ctx, src))

	got, err := dst.Get(ctx, ds.NewKey("/merged"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}

func TestKeysStreamsKeysOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, ds.NewKey("/k/one"), []byte("1")))

	out, errc, err := store.Keys(ctx, ds.NewKey("/k"))
	require.NoError(t, err)

	var keys []string
	for k := range out {
		keys = append(keys, k.String())
	}
	for range errc {
	}
	assert.Contains(t, keys, "/k/one")
}
