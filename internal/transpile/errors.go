package transpile

import (
	"errors"
	"fmt"

	"github.com/rathix/esmserve/internal/resolve"
	"github.com/rathix/esmserve/internal/rewrite"
)

// Kind classifies a compile failure.
type Kind string

const (
	// KindResolution: a bare specifier matched no installed package entry file.
	KindResolution Kind = "resolution"
	// KindOutOfRoot: a specifier resolved to a file outside the project root.
	KindOutOfRoot Kind = "out-of-root"
	// KindParse: the source is not syntactically valid.
	KindParse Kind = "parse"
	// KindUnsupported: valid syntax that cannot be lowered to the configured target.
	KindUnsupported Kind = "unsupported"
	// KindFault: an unexpected internal fault caught by the fault boundary.
	KindFault Kind = "fault"
)

// Error is the request-scoped failure of a single compile.
type Error struct {
	Kind      Kind
	File      string
	Specifier string
	// Line is 1-based and Column 0-based; both are zero when unknown.
	Line    int
	Column  int
	Message string
	// Frame is an excerpt of the source around Line, when available.
	Frame string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Line > 0:
		return fmt.Sprintf("%s error in %s:%d:%d: %s", e.Kind, e.File, e.Line, e.Column, e.Message)
	case e.Specifier != "":
		return fmt.Sprintf("%s error in %s (import %q): %s", e.Kind, e.File, e.Specifier, e.Message)
	default:
		return fmt.Sprintf("%s error in %s: %s", e.Kind, e.File, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// fromPassError converts a failure recorded by the rewrite pass.
func fromPassError(file string, err error) *Error {
	var (
		rerr *resolve.Error
		oor  *rewrite.OutOfRootError
		perr *rewrite.PanicError
	)
	switch {
	case errors.As(err, &rerr):
		return &Error{Kind: KindResolution, File: file, Specifier: rerr.Specifier, Message: rerr.Reason, Err: err}
	case errors.As(err, &oor):
		return &Error{Kind: KindOutOfRoot, File: file, Specifier: oor.Specifier, Message: err.Error(), Err: err}
	case errors.As(err, &perr):
		return &Error{Kind: KindFault, File: file, Specifier: perr.Specifier, Message: fmt.Sprint(perr.Value), Err: err}
	default:
		return &Error{Kind: KindResolution, File: file, Message: err.Error(), Err: err}
	}
}
