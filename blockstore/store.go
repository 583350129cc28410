// Package blockstore implements the content-addressed block layer: a
// durable key/value mapping from multihash to bytes (the Block Store),
// the put/get/stat/remove façade that handles inline (identity) CIDs and
// the block size ceiling (the Block Layer; it reads only local storage,
// network fetch on a miss is done by node.Node.Get), and the pin set that
// shields roots from garbage collection.
package blockstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

var log = logging.Logger("blockstore")

// MaxBlockSize is the default ceiling on block size (spec §3); callers may
// opt in to larger blocks explicitly via PutOptions.AllowBig.
const MaxBlockSize = 2 << 20 // 2 MiB

// Store is the durable key→bytes mapping described in spec §4.1. Keys are
// multihashes; the codec and hash algorithm live entirely in the caller's
// CID, not in the store.
type Store interface {
	// Put writes data under h. Put is idempotent: writing identical bytes
	// twice is a no-op; writing different bytes under an existing key is
	// a caller error the store does not attempt to detect (the caller is
	// expected to have verified the hash before calling Put).
	Put(ctx context.Context, h multihash.Multihash, data []byte) error

	// TryGet returns the stored bytes, or ok=false if absent.
	TryGet(ctx context.Context, h multihash.Multihash) (data []byte, ok bool, err error)

	// Length returns the size of the stored block without reading its
	// full contents.
	Length(ctx context.Context, h multihash.Multihash) (size int, ok bool, err error)

	// Exists reports whether h is stored.
	Exists(ctx context.Context, h multihash.Multihash) (bool, error)

	// Remove deletes the block for h. Removing an absent block is not an
	// error. Layer.Remove passes this through unchanged: it has no
	// ignoreNonexistent option and never reports an absent block.
	Remove(ctx context.Context, h multihash.Multihash) error

	// Names iterates over every multihash currently stored. The channel
	// closes when iteration completes or ctx is cancelled; at most one
	// error is sent on errc.
	Names(ctx context.Context) (<-chan multihash.Multihash, <-chan error)
}

// fileStore persists one file per block under <root>/blocks/<base32(mh)>,
// matching the on-disk repository layout in spec §6. Writes go through a
// temp-file-then-rename so a reader never observes a torn write.
type fileStore struct {
	blocksDir string

	mu sync.Mutex // serializes directory creation; file ops are independently atomic
}

// OpenStore opens (creating if absent) the blocks directory under root.
func OpenStore(root string) (Store, error) {
	dir := filepath.Join(root, "blocks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{blocksDir: dir}, nil
}

func keyFor(h multihash.Multihash) (string, error) {
	return multibase.Encode(multibase.Base32, h)
}

func (s *fileStore) pathFor(h multihash.Multihash) (string, error) {
	key, err := keyFor(h)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.blocksDir, key), nil
}

func (s *fileStore) Put(ctx context.Context, h multihash.Multihash, data []byte) error {
	path, err := s.pathFor(h)
	if err != nil {
		return err
	}

	if existing, err := os.ReadFile(path); err == nil {
		if string(existing) == string(data) {
			return nil // idempotent no-op
		}
	}

	tmp, err := os.CreateTemp(s.blocksDir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *fileStore) TryGet(ctx context.Context, h multihash.Multihash) ([]byte, bool, error) {
	path, err := s.pathFor(h)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *fileStore) Length(ctx context.Context, h multihash.Multihash) (int, bool, error) {
	path, err := s.pathFor(h)
	if err != nil {
		return 0, false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return int(info.Size()), true, nil
}

func (s *fileStore) Exists(ctx context.Context, h multihash.Multihash) (bool, error) {
	path, err := s.pathFor(h)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Remove(ctx context.Context, h multihash.Multihash) error {
	path, err := s.pathFor(h)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *fileStore) Names(ctx context.Context) (<-chan multihash.Multihash, <-chan error) {
	out := make(chan multihash.Multihash)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		entries, err := os.ReadDir(s.blocksDir)
		if err != nil {
			errc <- err
			return
		}
		for _, e := range entries {
			if e.IsDir() || len(e.Name()) == 0 || e.Name()[0] == '.' {
				continue
			}
			_, data, err := multibase.Decode(e.Name())
			if err != nil {
				log.Warnf("skipping unrecognized block file %q: %s", e.Name(), err)
				continue
			}
			h, err := multihash.Cast(data)
			if err != nil {
				log.Warnf("skipping block file with invalid multihash %q: %s", e.Name(), err)
				continue
			}
			select {
			case out <- h:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// Rehash re-derives the multihash of the stored bytes for h under the
// algorithm h itself declares, and reports whether they still match. This
// is the integrity check behind spec §8's "corrupt repository" property.
func Rehash(ctx context.Context, s Store, h multihash.Multihash) error {
	data, ok, err := s.TryGet(ctx, h)
	if err != nil {
		return err
	}
	if !ok {
		return io.ErrUnexpectedEOF
	}
	decoded, err := multihash.Decode(h)
	if err != nil {
		return err
	}
	recomputed, err := multihash.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return err
	}
	if string(recomputed) != string(h) {
		return errMismatch
	}
	return nil
}

var errMismatch = &rehashError{}

type rehashError struct{}

func (*rehashError) Error() string { return "block bytes do not hash to the declared multihash" }
