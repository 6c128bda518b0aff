// Package rewrite turns resolved module paths into root-relative URLs and
// rewrites the module-linking statements of a parsed module with them.
package rewrite

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutOfRoot matches every OutOfRootError via errors.Is.
var ErrOutOfRoot = errors.New("path outside project root")

// OutOfRootError reports a resolved module that the server cannot serve
// because it lies outside the project root.
type OutOfRootError struct {
	Path string
	Root string
	// Specifier and Importer are set when the path came from resolving an import.
	Specifier string
	Importer  string
}

func (e *OutOfRootError) Error() string {
	if e.Specifier != "" {
		return fmt.Sprintf("%q imported from %s resolves to %s, outside the project root %s", e.Specifier, e.Importer, e.Path, e.Root)
	}
	return fmt.Sprintf("%s is outside the project root %s", e.Path, e.Root)
}

func (e *OutOfRootError) Is(target error) bool { return target == ErrOutOfRoot }

// ToRootRelative strips root from path and returns a slash-separated URL
// path with a leading "/". path must be a descendant of root.
func ToRootRelative(path, root string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || filepath.IsAbs(rel) ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &OutOfRootError{Path: path, Root: root}
	}
	return "/" + filepath.ToSlash(rel), nil
}
