package rewrite

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/rathix/esmserve/internal/specifier"
)

// Resolver maps a bare specifier imported from importer to an absolute path.
type Resolver interface {
	Resolve(importer, spec string) (string, error)
}

// PanicError is a fault recovered while rewriting a single specifier.
type PanicError struct {
	Specifier string
	Importer  string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic while rewriting %q in %s: %v", e.Specifier, e.Importer, e.Value)
}

// Record is one module-linking node seen by a Pass.
type Record struct {
	Specifier string
	Rewritten string
	Kind      specifier.Kind
}

// Pass rewrites the specifiers of a single module. A Pass belongs to one
// compile and must not be shared between requests.
type Pass struct {
	resolver Resolver
	root     string
	importer string

	mu      sync.Mutex
	records []Record
	err     error
}

// NewPass creates a pass for the module at importer inside root.
func NewPass(resolver Resolver, root, importer string) *Pass {
	return &Pass{resolver: resolver, root: root, importer: importer}
}

// Rewrite applies the rewrite rule to one specifier: bare specifiers become
// root-relative URLs of their resolved file, everything else is returned
// unchanged.
func (p *Pass) Rewrite(spec string) (string, error) {
	if specifier.Classify(spec) != specifier.Bare {
		return spec, nil
	}
	resolved, err := p.resolver.Resolve(p.importer, spec)
	if err != nil {
		return "", err
	}
	rewritten, err := ToRootRelative(resolved, p.root)
	if err != nil {
		var oor *OutOfRootError
		if errors.As(err, &oor) {
			oor.Specifier = spec
			oor.Importer = p.importer
		}
		return "", err
	}
	return rewritten, nil
}

// Plugin exposes the pass to esbuild. esbuild calls the hook once for each
// import record of the parsed module and keeps the returned path verbatim.
func (p *Pass) Plugin() api.Plugin {
	return api.Plugin{
		Name: "esmserve-rewrite",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, p.onResolve)
		},
	}
}

func (p *Pass) onResolve(args api.OnResolveArgs) (result api.OnResolveResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Specifier: args.Path, Importer: p.importer, Value: r, Stack: debug.Stack()}
			p.fail(perr)
			result, err = api.OnResolveResult{}, perr
		}
	}()

	switch args.Kind {
	case api.ResolveEntryPoint:
		return api.OnResolveResult{}, nil
	case api.ResolveJSImportStatement, api.ResolveJSDynamicImport:
	default:
		// require() and friends cannot load in the browser either way.
		return api.OnResolveResult{Path: args.Path, External: true}, nil
	}

	rewritten, err := p.Rewrite(args.Path)
	if err != nil {
		p.fail(err)
		return api.OnResolveResult{}, err
	}

	p.mu.Lock()
	p.records = append(p.records, Record{
		Specifier: args.Path,
		Rewritten: rewritten,
		Kind:      specifier.Classify(args.Path),
	})
	p.mu.Unlock()
	return api.OnResolveResult{Path: rewritten, External: true}, nil
}

func (p *Pass) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// Err returns the first failure recorded during the build.
func (p *Pass) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Records returns the module-linking nodes rewritten so far.
func (p *Pass) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.records))
	copy(out, p.records)
	return out
}
