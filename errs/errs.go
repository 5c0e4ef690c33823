// Package errs defines the error kinds raised by the bucket and tree
// layers, per spec §7. Kinds are sentinel values; callers compare with
// errors.Is / errors.Cause rather than type-switching.
package errs

import "github.com/pkg/errors"

// Sentinel kinds. NotFound is returned as an absent result by Get/Remove,
// never wrapped and raised, but is exported so callers can test for it
// uniformly with the other kinds.
var (
	NotFound        = errors.New("key not found")
	EntryTooLarge   = errors.New("entry exceeds maximum size")
	Unsupported     = errors.New("unsupported operation")
	IO              = errors.New("page cache or wal io failure")
	StateViolation  = errors.New("bucket or tree state violation")
)

// Wrap attaches a stack trace to a sentinel kind with additional context,
// mirroring how a mutating tree entry point turns an internal failure into
// something it can re-raise to its caller after rollback.
func Wrap(kind error, context string) error {
	return errors.Wrap(kind, context)
}

// Is reports whether err is, or wraps, kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
