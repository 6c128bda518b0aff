// Package resolve implements Node-style resolution of bare module
// specifiers against node_modules directories on disk.
package resolve

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rathix/esmserve/internal/specifier"
)

// Options is the resolution policy. It is read-only after New.
type Options struct {
	// Browser enables browser-targeted entry points: the "browser" export
	// condition, the "browser" main field and the browser remap object.
	Browser bool
	// Exports enables the package.json "exports" field.
	Exports bool
	// Conditions are the export conditions accepted besides "default".
	Conditions []string
	// MainFields are the package.json fields tried, in order, for the package entry.
	MainFields []string
	// Extensions are appended, in order, to extensionless paths.
	Extensions []string
	// PreserveSymlinks keeps the symlinked path instead of the real path.
	PreserveSymlinks bool
	// CacheSize bounds the parsed package.json cache.
	CacheSize int
}

// DefaultOptions prefers browser entries and honours "exports".
func DefaultOptions() Options {
	return Options{
		Browser:    true,
		Exports:    true,
		Conditions: []string{"browser", "import", "module", "default"},
		MainFields: []string{"browser", "module", "main"},
		Extensions: []string{".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx", ".mts"},
		CacheSize:  defaultCacheSize,
	}
}

// Resolver resolves bare specifiers. It is safe for concurrent use.
type Resolver struct {
	opts       Options
	conditions map[string]bool
	mainFields []string
	manifests  *manifestCache
}

// New creates a Resolver. Empty slices in opts fall back to DefaultOptions.
func New(opts Options) *Resolver {
	def := DefaultOptions()
	if len(opts.Conditions) == 0 {
		opts.Conditions = def.Conditions
	}
	if len(opts.MainFields) == 0 {
		opts.MainFields = def.MainFields
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = def.Extensions
	}

	conditions := make(map[string]bool, len(opts.Conditions))
	for _, c := range opts.Conditions {
		if c == "browser" && !opts.Browser {
			continue
		}
		conditions[c] = true
	}
	mainFields := make([]string, 0, len(opts.MainFields))
	for _, f := range opts.MainFields {
		if f == "browser" && !opts.Browser {
			continue
		}
		mainFields = append(mainFields, f)
	}

	return &Resolver{
		opts:       opts,
		conditions: conditions,
		mainFields: mainFields,
		manifests:  newManifestCache(opts.CacheSize),
	}
}

// Options returns the effective policy.
func (r *Resolver) Options() Options {
	return r.opts
}

// Resolve maps a bare specifier imported from importer (an absolute file
// path) to the absolute path of an existing file.
func (r *Resolver) Resolve(importer, spec string) (string, error) {
	fail := func(reason string, err error) (string, error) {
		return "", &Error{Specifier: spec, Importer: importer, Reason: reason, Err: err}
	}

	pkg, err := specifier.Parse(spec)
	if err != nil {
		return fail(err.Error(), err)
	}
	if pkg.NodeScheme {
		return fail(fmt.Sprintf("node builtin module %q has no browser implementation", pkg.String()), ErrNotFound)
	}

	var lastErr error
	dir := filepath.Dir(importer)
	for {
		if filepath.Base(dir) != "node_modules" {
			pkgDir := filepath.Join(dir, "node_modules", filepath.FromSlash(pkg.Name))
			if isDir(pkgDir) {
				resolved, err := r.resolvePackage(pkgDir, pkg.Subpath)
				if err == nil {
					return r.finalize(spec, importer, resolved)
				}
				var hard *exportsError
				if errors.As(err, &hard) {
					return fail(err.Error(), err)
				}
				lastErr = err
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	switch {
	case lastErr != nil:
		return fail(lastErr.Error(), lastErr)
	case pkg.IsNodeBuiltin():
		return fail(fmt.Sprintf("%q is a node builtin module and no package of that name is installed", pkg.Name), ErrNotFound)
	default:
		return fail(fmt.Sprintf("package %q not found in any node_modules directory", pkg.Name), ErrNotFound)
	}
}

func (r *Resolver) finalize(spec, importer, p string) (string, error) {
	if r.opts.PreserveSymlinks {
		return p, nil
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", &Error{
			Specifier: spec,
			Importer:  importer,
			Reason:    fmt.Sprintf("failed to evaluate symlinks for %s", p),
			Err:       err,
		}
	}
	return resolved, nil
}

// exportsError marks failures that must not fall through to an ancestor
// node_modules directory: the package was found but refuses the subpath.
type exportsError struct {
	msg string
}

func (e *exportsError) Error() string { return e.msg }

func (r *Resolver) resolvePackage(pkgDir, subpath string) (string, error) {
	m, err := r.manifests.load(pkgDir)
	if err != nil {
		return "", &exportsError{msg: err.Error()}
	}

	if m != nil && r.opts.Exports && m.HasExports() {
		key := "."
		if subpath != "" {
			key = "./" + subpath
		}
		target, ok := resolveExports(m.exports, key, r.conditions)
		if !ok {
			return "", &exportsError{msg: fmt.Sprintf("subpath %q is not exported by %s", key, pkgDir)}
		}
		p := filepath.Join(pkgDir, filepath.FromSlash(target))
		if rel, err := filepath.Rel(pkgDir, p); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", &exportsError{msg: fmt.Sprintf("export target %q escapes %s", target, pkgDir)}
		}
		if !isFile(p) {
			return "", &exportsError{msg: fmt.Sprintf("export target %s does not exist", p)}
		}
		return p, nil
	}

	if subpath != "" {
		base := filepath.Join(pkgDir, filepath.FromSlash(subpath))
		if p, ok := r.loadAsFile(base); ok {
			return r.applyBrowserMap(m, p)
		}
		if p, ok := r.loadAsDirectory(base); ok {
			return r.applyBrowserMap(m, p)
		}
		return "", fmt.Errorf("no file matches %s", base)
	}

	if p, ok := r.loadAsDirectory(pkgDir); ok {
		return r.applyBrowserMap(m, p)
	}
	return "", fmt.Errorf("no entry file found in %s", pkgDir)
}

// applyBrowserMap redirects p through the package's browser object, if any.
func (r *Resolver) applyBrowserMap(m *Manifest, p string) (string, error) {
	if m == nil || !r.opts.Browser {
		return p, nil
	}
	rel, err := filepath.Rel(m.Dir, p)
	if err != nil {
		return p, nil
	}
	t, ok := m.lookupBrowser(filepath.ToSlash(rel))
	if !ok {
		return p, nil
	}
	if t.excluded {
		return "", &exportsError{msg: fmt.Sprintf("%s is excluded from browser builds by %s", rel, filepath.Join(m.Dir, "package.json"))}
	}
	target := filepath.Join(m.Dir, filepath.FromSlash(path.Clean(t.path)))
	if q, ok := r.loadAsFile(target); ok {
		return q, nil
	}
	if q, ok := r.loadAsDirectory(target); ok {
		return q, nil
	}
	return "", fmt.Errorf("browser mapping %q for %s does not exist", t.path, rel)
}

func (r *Resolver) loadAsFile(p string) (string, bool) {
	if isFile(p) {
		return p, true
	}
	for _, ext := range r.opts.Extensions {
		if isFile(p + ext) {
			return p + ext, true
		}
	}
	return "", false
}

// loadAsDirectory resolves dir through its own package.json entry fields,
// then through an index file.
func (r *Resolver) loadAsDirectory(dir string) (string, bool) {
	if !isDir(dir) {
		return "", false
	}
	if m, err := r.manifests.load(dir); err == nil && m != nil {
		for _, field := range r.mainFields {
			entry := m.Field(field)
			if entry == "" {
				continue
			}
			p := filepath.Join(dir, filepath.FromSlash(entry))
			if q, ok := r.loadAsFile(p); ok {
				return q, true
			}
			if q, ok := r.loadIndex(p); ok {
				return q, true
			}
		}
	}
	return r.loadIndex(dir)
}

func (r *Resolver) loadIndex(dir string) (string, bool) {
	if !isDir(dir) {
		return "", false
	}
	for _, ext := range r.opts.Extensions {
		p := filepath.Join(dir, "index"+ext)
		if isFile(p) {
			return p, true
		}
	}
	return "", false
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
