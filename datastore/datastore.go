// Package datastore wraps a badger-backed key/value store with the
// iteration and bulk helpers the rest of the node needs: pin records,
// the name-record sequence table, and migration bookkeeping.
package datastore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
	bds "github.com/ipfs/go-ds-badger4"
)

// Datastore is the durable KV store used by packages that need more than
// the block store's file-per-key layout.
type Datastore interface {
	ds.Datastore
	ds.BatchingFeature
	ds.TxnFeature
	ds.GCFeature
	ds.PersistentFeature
	ds.TTL

	// Iterator streams key/value pairs under prefix. The error channel
	// carries at most one error (from Query, Next, or ctx.Done) before
	// both channels close.
	Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error)

	// Merge copies every key from other into this store.
	Merge(ctx context.Context, other Datastore) error

	// Clear removes every key in the store.
	Clear(ctx context.Context) error

	// Keys streams just the keys under prefix.
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
}

// KeyValue is one entry returned by Iterator.
type KeyValue struct {
	Key   ds.Key
	Value []byte
}

var _ ds.Datastore = (*datastorage)(nil)
var _ ds.PersistentDatastore = (*datastorage)(nil)
var _ ds.TxnDatastore = (*datastorage)(nil)
var _ ds.TTLDatastore = (*datastorage)(nil)
var _ ds.GCDatastore = (*datastorage)(nil)
var _ ds.Batching = (*datastorage)(nil)

type datastorage struct {
	*bds.Datastore
}

// Open opens (creating if absent) a badger datastore rooted at path.
func Open(path string, opts *badger4.Options) (Datastore, error) {
	badgerDS, err := bds.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &datastorage{Datastore: badgerDS}, nil
}

func (s *datastorage) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: keysOnly,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KeyValue)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				select {
				case out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Merge(ctx context.Context, other Datastore) error {
	batch, err := s.Batch(ctx)
	if err != nil {
		return err
	}

	it, errc, err := other.Iterator(ctx, ds.NewKey("/"), false)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-errc:
			if ok && e != nil {
				return e
			}
			// error channel closed; keep draining it until it closes too
			errc = nil
		case kv, ok := <-it:
			if !ok {
				return batch.Commit(ctx)
			}
			if err := batch.Put(ctx, kv.Key, kv.Value); err != nil {
				return err
			}
		}
	}
}

func (s *datastorage) Clear(ctx context.Context) error {
	q, err := s.Query(ctx, query.Query{
		KeysOnly: true,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-q.Next():
			if !ok {
				return b.Commit(ctx)
			}
			if res.Error != nil {
				return res.Error
			}
			if err := b.Delete(ctx, ds.NewKey(res.Key)); err != nil {
				return err
			}
		}
	}
}

func (s *datastorage) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: true,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ds.Key)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- ds.NewKey(res.Key)
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Close() error {
	return s.Datastore.Close()
}
