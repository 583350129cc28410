package migrator

import (
	"context"
	"os"
	"path/filepath"

	badger4 "github.com/ipfs/go-ds-badger4"

	"ipfscore/datastore"
)

// sequenceTableMigration introduces the per-peer IPNS sequence table (spec
// §4.7) backed by the shared badger datastore. Versions before this one
// have no sequence tracking at all, so Up only needs to ensure the
// datastore directory exists; the table itself is created lazily on first
// Publish.
type sequenceTableMigration struct{}

func NewSequenceTableMigration() Migration { return sequenceTableMigration{} }

func (sequenceTableMigration) FromVersion() int { return 1 }
func (sequenceTableMigration) ToVersion() int   { return 2 }

func (sequenceTableMigration) Up(ctx context.Context, root string) error {
	dsPath := filepath.Join(root, "datastore")
	ds, err := datastore.Open(dsPath, &badger4.DefaultOptions)
	if err != nil {
		return err
	}
	return ds.Close()
}

func (sequenceTableMigration) Down(ctx context.Context, root string) error {
	// the sequence table is additive; downgrading simply stops reading it.
	return nil
}

// carCursorMigration introduces the `gc-cursor` bookkeeping file at the
// repository root: Up creates it empty if absent and Down removes it. GC
// and archive export do not read or write this file.
type carCursorMigration struct{}

func NewCARCursorMigration() Migration { return carCursorMigration{} }

func (carCursorMigration) FromVersion() int { return 2 }
func (carCursorMigration) ToVersion() int   { return 3 }

func cursorFilePath(root string) string {
	return filepath.Join(root, "gc-cursor")
}

func (carCursorMigration) Up(ctx context.Context, root string) error {
	path := cursorFilePath(root)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.WriteFile(path, []byte(""), 0o644)
	}
	return nil
}

func (carCursorMigration) Down(ctx context.Context, root string) error {
	err := os.Remove(cursorFilePath(root))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
