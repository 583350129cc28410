package blockstore

import (
	"context"

	"github.com/multiformats/go-multihash"
)

// GCResult summarizes one collection pass.
type GCResult struct {
	Removed   []multihash.Multihash
	FreedSize int64
}

// GC removes every block not reachable from the pin set's closure. When
// verifyFull is true it performs a dry run: it computes exactly what would
// be removed without touching the store, matching kubo's `--unpinned`
// repo-verification mode.
func GC(ctx context.Context, store Store, pins *PinSet, verifyFull bool) (GCResult, error) {
	live, err := pins.Closure(ctx)
	if err != nil {
		return GCResult{}, err
	}

	names, errc := store.Names(ctx)

	var result GCResult
	for h := range names {
		if _, ok := live[h.HexString()]; ok {
			continue
		}

		size, ok, err := store.Length(ctx, h)
		if err != nil {
			return result, err
		}
		if !ok {
			continue // removed concurrently between Names and Length
		}

		if !verifyFull {
			if err := store.Remove(ctx, h); err != nil {
				return result, err
			}
		}

		result.Removed = append(result.Removed, h)
		result.FreedSize += int64(size)
	}
	if err := <-errc; err != nil {
		return result, err
	}

	return result, nil
}
