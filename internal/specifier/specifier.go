// Package specifier classifies import/export source strings and splits bare
// specifiers into a package name and subpath.
package specifier

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the class of a module specifier.
type Kind int

const (
	// Bare names a package, optionally followed by a subpath ("react", "lit/decorators.js").
	Bare Kind = iota
	// Relative begins with "./" or "../" and is resolved by the browser against the importer URL.
	Relative
	// Absolute begins with "/" and is already a root-relative URL.
	Absolute
)

func (k Kind) String() string {
	switch k {
	case Relative:
		return "relative"
	case Absolute:
		return "absolute"
	default:
		return "bare"
	}
}

// Classify returns the class of s. Every string maps to exactly one Kind;
// anything that is neither relative nor absolute is bare, including "".
func Classify(s string) Kind {
	switch {
	case strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"):
		return Relative
	case strings.HasPrefix(s, "/"):
		return Absolute
	default:
		return Bare
	}
}

// ErrInvalid is returned by Parse for strings that cannot name a package.
var ErrInvalid = errors.New("invalid bare specifier")

// Package is a parsed bare specifier.
type Package struct {
	// Name is the package name, including the scope for scoped packages.
	Name string
	// Subpath is the path inside the package without a leading slash; empty for the package root.
	Subpath string
	// NodeScheme is set when the specifier used the "node:" prefix.
	NodeScheme bool
}

// Parse splits a bare specifier into package name and subpath.
func Parse(s string) (Package, error) {
	if s == "" {
		return Package{}, fmt.Errorf("%w: empty specifier", ErrInvalid)
	}
	if Classify(s) != Bare {
		return Package{}, fmt.Errorf("%w: %q is %s", ErrInvalid, s, Classify(s))
	}
	if strings.ContainsRune(s, '\\') {
		return Package{}, fmt.Errorf("%w: %q contains a backslash", ErrInvalid, s)
	}

	var pkg Package
	if rest, ok := strings.CutPrefix(s, "node:"); ok {
		pkg.NodeScheme = true
		s = rest
	}
	if i := strings.IndexByte(s, ':'); i >= 0 && !strings.Contains(s[:i], "/") {
		return Package{}, fmt.Errorf("%w: %q looks like a URL", ErrInvalid, s)
	}

	parts := strings.Split(s, "/")
	n := 1
	if strings.HasPrefix(s, "@") {
		n = 2
		if len(parts) < 2 || len(parts[0]) < 2 || parts[1] == "" {
			return Package{}, fmt.Errorf("%w: %q is an incomplete scoped name", ErrInvalid, s)
		}
	}
	name := strings.Join(parts[:n], "/")
	base := parts[n-1]
	if base == "" || strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return Package{}, fmt.Errorf("%w: %q is not a valid package name", ErrInvalid, name)
	}
	for _, seg := range parts[n:] {
		if seg == "." || seg == ".." {
			return Package{}, fmt.Errorf("%w: %q has a dot segment in its subpath", ErrInvalid, s)
		}
	}

	pkg.Name = name
	pkg.Subpath = strings.Join(parts[n:], "/")
	return pkg, nil
}

// String reassembles the specifier without the "node:" prefix.
func (p Package) String() string {
	if p.Subpath == "" {
		return p.Name
	}
	return p.Name + "/" + p.Subpath
}
