// Package corerrors defines the error kinds surfaced by the node's core
// subsystems, so callers can branch on kind with errors.Is instead of
// matching strings.
package corerrors

import "errors"

var (
	// ErrInvalidArgument covers malformed CIDs, unknown codecs, oversized
	// blocks, and routing keys of the wrong shape.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound covers absent blocks, pins, and unresolvable names.
	ErrNotFound = errors.New("not found")

	// ErrCancelled covers a caller's cancellation firing.
	ErrCancelled = errors.New("cancelled")

	// ErrProtocol covers wire decode failures and hash mismatches on
	// received blocks.
	ErrProtocol = errors.New("protocol error")

	// ErrStaleRecord covers a name record whose sequence does not exceed
	// the stored maximum.
	ErrStaleRecord = errors.New("stale or replayed record")

	// ErrCorruptRepository covers block bytes failing rehash during
	// integrity verification.
	ErrCorruptRepository = errors.New("corrupt repository")

	// ErrConflict covers a repository at a version with no known
	// migration path.
	ErrConflict = errors.New("conflict")
)

// Wrap attaches kind to err via %w so errors.Is(result, kind) succeeds
// while the original message is preserved.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

type wrapped struct {
	kind error
	err  error
}

func (w *wrapped) Error() string { return w.err.Error() }
func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.err}
}
