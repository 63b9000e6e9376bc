// Package errs classifies the failures a duplicate-finding run can hit so that
// callers can decide between aborting and logging-and-continuing.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure. Kinds are strings so they read well
// in logs and JSON.
type Kind string

const (
	// KindStorage marks a persistence backend that is unreachable or corrupt.
	// The run cannot continue without a working store.
	KindStorage Kind = "storage"

	// KindTraversal marks a path that could not be listed or stat'ed during the
	// walk. The entry is skipped.
	KindTraversal Kind = "traversal"

	// KindHash marks a file whose content could not be read while hashing. The
	// record stays in the unknown state.
	KindHash Kind = "hash"
)

// Error is a classified failure tied to an operation and, when relevant, a path.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Storage wraps err as a storage failure.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Traversal wraps err as a traversal failure for path.
func Traversal(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTraversal, Op: op, Path: path, Err: err}
}

// Hash wraps err as a hashing failure for path.
func Hash(path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindHash, Op: "hash", Path: path, Err: err}
}

// Is reports whether any error in err's chain is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
