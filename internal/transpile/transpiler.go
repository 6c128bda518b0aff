// Package transpile parses a script, rewrites its module specifiers and
// emits browser-runnable JavaScript, all behind a fault boundary.
package transpile

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/rathix/esmserve/internal/rewrite"
)

// Options configures a Transpiler.
type Options struct {
	// Root is the canonical project root; rewritten specifiers are relative to it.
	Root string
	// Resolver resolves bare specifiers.
	Resolver rewrite.Resolver
	// Target is the emitted language level, e.g. "es2020".
	Target string
	// JSX selects the JSX transform, "classic" or "automatic".
	JSX    string
	Logger *slog.Logger
}

// Output is the result of a successful compile.
type Output struct {
	Code    []byte
	MIME    string
	Imports []rewrite.Record
}

// Transpiler is immutable after New and safe for concurrent use.
type Transpiler struct {
	root     string
	resolver rewrite.Resolver
	target   api.Target
	jsx      api.JSX
	registry *Registry
	logger   *slog.Logger
}

// New validates opts and creates a Transpiler.
func New(opts Options) (*Transpiler, error) {
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("project root must be absolute, got %q", opts.Root)
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	target, err := ParseTarget(opts.Target)
	if err != nil {
		return nil, err
	}
	jsx, err := ParseJSX(opts.JSX)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transpiler{
		root:     filepath.Clean(opts.Root),
		resolver: opts.Resolver,
		target:   target,
		jsx:      jsx,
		registry: NewRegistry(),
		logger:   logger,
	}, nil
}

// Registry returns the shared diagnostic registry.
func (t *Transpiler) Registry() *Registry {
	return t.registry
}

// Transpile compiles the script at path (absolute, under the root) whose
// contents are source. Every failure, including panics raised inside the
// compile, is returned as a *Error.
func (t *Transpiler) Transpile(path, source string) (Output, error) {
	src := t.registry.Register(path, source)
	defer src.Release()

	start := time.Now()
	var out Output
	err := guard(path, func() error {
		var cerr error
		out, cerr = t.compile(src)
		return cerr
	})
	if err != nil {
		return Output{}, err
	}

	t.logger.Debug("transpiled",
		"file", path,
		"imports", len(out.Imports),
		"bytes", len(out.Code),
		"duration", time.Since(start),
	)
	return out, nil
}

// guard is the fault boundary: it converts a panic in fn into a KindFault error.
func guard(file string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{
				Kind:    KindFault,
				File:    file,
				Message: fmt.Sprintf("internal fault: %v", r),
				Err:     &panicValue{value: r, stack: debug.Stack()},
			}
		}
	}()
	return fn()
}

type panicValue struct {
	value any
	stack []byte
}

func (p *panicValue) Error() string { return fmt.Sprintf("panic: %v\n%s", p.value, p.stack) }

func (t *Transpiler) compile(src *Source) (Output, error) {
	loader, ok := loaderFor(src.Path)
	if !ok {
		return Output{}, &Error{Kind: KindFault, File: src.Path, Message: "not a script file"}
	}

	pass := rewrite.NewPass(t.resolver, t.root, src.Path)
	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   src.Text,
			Sourcefile: filepath.Base(src.Path),
			ResolveDir: filepath.Dir(src.Path),
			Loader:     loader,
		},
		// Diagnostics and file comments name paths relative to the root.
		AbsWorkingDir: t.root,
		Bundle:        true,
		Format:        api.FormatESModule,
		Platform:      api.PlatformBrowser,
		Target:        t.target,
		JSX:           t.jsx,
		TreeShaking:   api.TreeShakingFalse,
		Sourcemap:     api.SourceMapNone,
		Charset:       api.CharsetUTF8,
		Plugins:       []api.Plugin{pass.Plugin()},
		Write:         false,
		LogLevel:      api.LogLevelSilent,
	})

	if err := pass.Err(); err != nil {
		return Output{}, fromPassError(src.Path, err)
	}
	if len(result.Errors) > 0 {
		return Output{}, t.parseError(src, result.Errors)
	}
	if len(result.OutputFiles) == 0 {
		return Output{}, &Error{Kind: KindFault, File: src.Path, Message: "compiler produced no output"}
	}

	return Output{
		Code:    result.OutputFiles[0].Contents,
		MIME:    MIMEJavaScript,
		Imports: pass.Records(),
	}, nil
}

func (t *Transpiler) parseError(src *Source, msgs []api.Message) *Error {
	first := msgs[0]
	e := &Error{Kind: classify(msgs), File: src.Path, Message: first.Text}
	if loc := first.Location; loc != nil {
		e.Line = loc.Line
		e.Column = loc.Column
		e.Frame = src.Frame(loc.Line, loc.Column)
	}
	if len(msgs) > 1 {
		e.Message = fmt.Sprintf("%s (and %d more)", first.Text, len(msgs)-1)
	}
	return e
}

// classify picks the kind of a failed build from esbuild's messages. esbuild
// reports its own recovered panics as "panic: ..." messages.
func classify(msgs []api.Message) Kind {
	kind := KindParse
	for _, m := range msgs {
		switch {
		case strings.HasPrefix(m.Text, "panic"), m.PluginName != "":
			return KindFault
		case strings.Contains(m.Text, "configured target environment"):
			kind = KindUnsupported
		}
	}
	return kind
}
