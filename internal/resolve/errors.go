package resolve

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every resolution failure via errors.Is.
var ErrNotFound = errors.New("module not found")

// Error reports a bare specifier that could not be matched to an installed
// package entry file.
type Error struct {
	Specifier string
	Importer  string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot resolve %q from %s: %s", e.Specifier, e.Importer, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports true for ErrNotFound so callers need not know the underlying cause.
func (e *Error) Is(target error) bool { return target == ErrNotFound }
