package carol

import (
	"errors"
	"fmt"
)

// Kind classifies the failure modes a caller of Get, CopyLocalFile, or
// Remove can observe.
type Kind int

const (
	// KindTransport means the fetcher failed mid-stream.
	KindTransport Kind = iota
	// KindHashMismatch means the computed digest disagreed with the
	// fetcher's supplied expectation.
	KindHashMismatch
	// KindIO means a filesystem operation (rename, write, unlink, symlink)
	// failed.
	KindIO
	// KindDatabase means a metadata index transaction failed; no partial
	// state is persisted.
	KindDatabase
	// KindCancelled means the leader or a follower cancelled; this is not
	// an invariant violation.
	KindCancelled
	// KindCorruption means startup recovery found a Ready row with no
	// backing file.
	KindCorruption
	// KindConflict means a symlink target already exists. Remove in
	// non-waiting mode does not refuse a pinned entry; it defers the unlink
	// to the sweeper.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHashMismatch:
		return "hash_mismatch"
	case KindIO:
		return "io"
	case KindDatabase:
		return "database"
	case KindCancelled:
		return "cancelled"
	case KindCorruption:
		return "corruption"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is the error type returned across the package boundary of Get,
// CopyLocalFile, and Remove. It carries a Kind so callers can branch on
// the failure category without string matching, and wraps the underlying
// cause for logging.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("carol: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("carol: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &carol.Error{Kind: carol.KindConflict}).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Sentinels for matching a Kind with errors.Is, so callers don't need to
// build an *Error value themselves.
var (
	// ErrConflict matches any *Error with KindConflict.
	ErrConflict = &Error{Kind: KindConflict}
	// ErrCancelled matches any *Error with KindCancelled.
	ErrCancelled = &Error{Kind: KindCancelled}
	// ErrCorruption matches any *Error with KindCorruption.
	ErrCorruption = &Error{Kind: KindCorruption}
)
