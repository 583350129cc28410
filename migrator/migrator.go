// Package migrator steps a repository's on-disk format between versions,
// one version at a time, recording the current version in a single-line
// file at the repository root.
package migrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"ipfscore/corerrors"
)

var log = logging.Logger("migrator")

const versionFileName = "version"

// Migration upgrades or downgrades a repository between two adjacent
// versions. Implementations should be idempotent: running Up twice against
// an already-migrated repository must not corrupt it, since a crash
// between writing data and bumping the version file means the migration
// can be replayed on next startup.
type Migration interface {
	// FromVersion and ToVersion are adjacent (ToVersion = FromVersion+1
	// for an upgrade the registry always runs forward first).
	FromVersion() int
	ToVersion() int

	Up(ctx context.Context, root string) error
	Down(ctx context.Context, root string) error
}

// Registry holds every known migration, keyed by its starting version, and
// drives repositories between versions one step at a time.
type Registry struct {
	byFrom map[int]Migration
}

func NewRegistry(migrations ...Migration) *Registry {
	r := &Registry{byFrom: make(map[int]Migration)}
	for _, m := range migrations {
		r.byFrom[m.FromVersion()] = m
	}
	return r
}

func versionFilePath(root string) string {
	return filepath.Join(root, versionFileName)
}

// CurrentVersion reads the repository's version file, defaulting to 0 for
// a repository that predates the version file entirely.
func CurrentVersion(root string) (int, error) {
	data, err := os.ReadFile(versionFilePath(root))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, corerrors.Wrap(corerrors.ErrCorruptRepository, fmt.Errorf("malformed version file: %w", err))
	}
	return v, nil
}

func writeVersion(root string, v int) error {
	tmp, err := os.CreateTemp(root, ".version-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(v)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, versionFilePath(root))
}

// MigrateTo steps root forward or backward to target, one version at a
// time, persisting the version file after each successful step so a crash
// mid-migration resumes rather than replays from the start. Missing steps
// (a gap in the registry) surface as ErrConflict: no known path exists.
func (r *Registry) MigrateTo(ctx context.Context, root string, target int) error {
	current, err := CurrentVersion(root)
	if err != nil {
		return err
	}

	for current < target {
		m, ok := r.byFrom[current]
		if !ok {
			return corerrors.Wrap(corerrors.ErrConflict, fmt.Errorf("no migration registered from version %d", current))
		}
		log.Infof("migrating repository %d -> %d", m.FromVersion(), m.ToVersion())
		if err := m.Up(ctx, root); err != nil {
			return fmt.Errorf("migration %d->%d: %w", m.FromVersion(), m.ToVersion(), err)
		}
		if err := writeVersion(root, m.ToVersion()); err != nil {
			return err
		}
		current = m.ToVersion()
	}

	for current > target {
		var m Migration
		for _, candidate := range r.byFrom {
			if candidate.ToVersion() == current {
				m = candidate
				break
			}
		}
		if m == nil {
			return corerrors.Wrap(corerrors.ErrConflict, fmt.Errorf("no migration registered down from version %d", current))
		}
		log.Infof("migrating repository %d -> %d", m.ToVersion(), m.FromVersion())
		if err := m.Down(ctx, root); err != nil {
			return fmt.Errorf("migration %d->%d (down): %w", m.ToVersion(), m.FromVersion(), err)
		}
		if err := writeVersion(root, m.FromVersion()); err != nil {
			return err
		}
		current = m.FromVersion()
	}

	return nil
}
