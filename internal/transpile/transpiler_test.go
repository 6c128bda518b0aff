package transpile

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rathix/esmserve/internal/resolve"
)

func newProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func newTranspiler(t *testing.T, root string, mutate func(*Options)) *Transpiler {
	t.Helper()
	opts := Options{
		Root:     root,
		Resolver: resolve.New(resolve.DefaultOptions()),
		Target:   "es2020",
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

var leftPadProject = map[string]string{
	"node_modules/left-pad/package.json": `{"name":"left-pad","main":"index.js"}`,
	"node_modules/left-pad/index.js":     "export default function leftPad(s) { return s }",
	"src/b.js":                           "export default 2",
}

const leftPadSource = `import x from "left-pad";
import y from "./b.js";
console.log(x, y);
`

func TestTranspileRewritesBareImport(t *testing.T) {
	root := newProject(t, leftPadProject)
	tr := newTranspiler(t, root, nil)

	out, err := tr.Transpile(filepath.Join(root, "src", "a.js"), leftPadSource)
	require.NoError(t, err)

	code := string(out.Code)
	assert.Contains(t, code, `import x from "/node_modules/left-pad/index.js"`)
	assert.Contains(t, code, `import y from "./b.js"`)
	assert.NotContains(t, code, `"left-pad"`)
	assert.Equal(t, MIMEJavaScript, out.MIME)
	assert.Len(t, out.Imports, 2)
}

func TestTranspileReExportsAndDynamicImport(t *testing.T) {
	root := newProject(t, leftPadProject)
	tr := newTranspiler(t, root, nil)

	out, err := tr.Transpile(filepath.Join(root, "src", "index.js"), `
export * from "left-pad";
export { default as pad } from "left-pad";
export const lazy = () => import("left-pad");
export { local } from "./local.js";
`)
	require.NoError(t, err)

	code := string(out.Code)
	assert.Contains(t, code, `export * from "/node_modules/left-pad/index.js"`)
	assert.Contains(t, code, `import("/node_modules/left-pad/index.js")`)
	assert.Contains(t, code, `"./local.js"`)
	assert.NotContains(t, code, `"left-pad"`)
}

func TestTranspileTypeScript(t *testing.T) {
	root := newProject(t, leftPadProject)
	tr := newTranspiler(t, root, nil)

	out, err := tr.Transpile(filepath.Join(root, "src", "main.ts"), `
import pad from "left-pad";
import type { Options } from "types-only";
interface Point { x: number }
const p: Point = { x: 1 };
export const padded: string = pad(String(p.x));
`)
	require.NoError(t, err, "type-only imports never reach the resolver")

	code := string(out.Code)
	assert.Contains(t, code, `"/node_modules/left-pad/index.js"`)
	assert.NotContains(t, code, "interface")
	assert.NotContains(t, code, "types-only")
}

func TestTranspileTarget(t *testing.T) {
	root := newProject(t, nil)
	src := "export const f = (a) => a ?? 1;\n"
	file := filepath.Join(root, "f.js")

	out, err := newTranspiler(t, root, nil).Transpile(file, src)
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), "??")

	out, err = newTranspiler(t, root, func(o *Options) { o.Target = "es2019" }).Transpile(file, src)
	require.NoError(t, err)
	assert.NotContains(t, string(out.Code), "??")
}

func TestTranspileParseErrorDoesNotPoisonLaterRequests(t *testing.T) {
	root := newProject(t, leftPadProject)
	tr := newTranspiler(t, root, nil)

	_, err := tr.Transpile(filepath.Join(root, "src", "broken.js"), "const ok = 1;\nconst s = \"unterminated;\n")
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindParse, terr.Kind)
	assert.Equal(t, filepath.Join(root, "src", "broken.js"), terr.File)
	assert.Equal(t, 2, terr.Line)
	assert.Contains(t, terr.Frame, `> 2 | const s = "unterminated;`)

	out, err := tr.Transpile(filepath.Join(root, "src", "a.js"), leftPadSource)
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), "/node_modules/left-pad/index.js")
}

func TestTranspileTargetRejectionIsNotParseError(t *testing.T) {
	root := newProject(t, nil)
	file := filepath.Join(root, "src", "tla.js")
	src := "const r = await Promise.resolve(1);\nexport { r };\n"

	_, err := newTranspiler(t, root, func(o *Options) { o.Target = "es2020" }).Transpile(file, src)
	var terr *Error
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, KindUnsupported, terr.Kind)
	assert.Equal(t, 1, terr.Line)
	assert.Contains(t, terr.Message, "configured target environment")

	out, err := newTranspiler(t, root, func(o *Options) { o.Target = DefaultTarget }).Transpile(file, src)
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), "await Promise.resolve(1)")
}

func TestClassifyBuildMessages(t *testing.T) {
	tests := []struct {
		name string
		msgs []api.Message
		want Kind
	}{
		{"syntax error", []api.Message{{Text: `Unterminated string literal`}}, KindParse},
		{"target rejection", []api.Message{{Text: `Top-level await is not available in the configured target environment ("es2020")`}}, KindUnsupported},
		{"recovered panic", []api.Message{{Text: "panic: runtime error: index out of range (while parsing \"a.js\")"}}, KindFault},
		{"plugin failure", []api.Message{{Text: "boom", PluginName: "other"}}, KindFault},
		{"panic wins over syntax", []api.Message{{Text: "Expected \";\""}, {Text: "panic: nil map"}}, KindFault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.msgs))
		})
	}
}

func TestParseErrorFromRecoveredPanicIsFault(t *testing.T) {
	root := newProject(t, nil)
	tr := newTranspiler(t, root, nil)
	src := tr.Registry().Register(filepath.Join(root, "a.js"), "export {}\n")
	defer src.Release()

	terr := tr.parseError(src, []api.Message{{
		Text:     `panic: runtime error: invalid memory address (while parsing "a.js")`,
		Location: &api.Location{Line: 1, Column: 0},
	}})
	assert.Equal(t, KindFault, terr.Kind)
	assert.Contains(t, terr.Frame, "> 1 | export {}")
}

func TestTranspileOutputNamesRealPaths(t *testing.T) {
	root := newProject(t, leftPadProject)
	tr := newTranspiler(t, root, nil)

	out, err := tr.Transpile(filepath.Join(root, "src", "a.js"), leftPadSource)
	require.NoError(t, err)
	assert.NotContains(t, string(out.Code), "src/src/")
	assert.NotContains(t, string(out.Code), "../")
}

func TestTranspileResolutionError(t *testing.T) {
	root := newProject(t, nil)
	tr := newTranspiler(t, root, nil)
	file := filepath.Join(root, "src", "a.js")

	_, err := tr.Transpile(file, `import x from "not-installed"; console.log(x);`)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindResolution, terr.Kind)
	assert.Equal(t, "not-installed", terr.Specifier)
	assert.Equal(t, file, terr.File)
	assert.ErrorIs(t, err, resolve.ErrNotFound)
}

func TestTranspileOutOfRootError(t *testing.T) {
	base := newProject(t, map[string]string{
		"node_modules/hoisted/index.js": "export default 1",
	})
	root := filepath.Join(base, "app")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	tr := newTranspiler(t, root, nil)

	_, err := tr.Transpile(filepath.Join(root, "src", "a.js"), `import h from "hoisted"; console.log(h);`)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindOutOfRoot, terr.Kind)
	assert.Equal(t, "hoisted", terr.Specifier)
}

type panickingResolver struct{}

func (panickingResolver) Resolve(string, string) (string, error) {
	panic("index out of range")
}

func TestTranspileFaultIsContained(t *testing.T) {
	root := newProject(t, leftPadProject)
	faulty := newTranspiler(t, root, func(o *Options) { o.Resolver = panickingResolver{} })

	_, err := faulty.Transpile(filepath.Join(root, "src", "a.js"), leftPadSource)
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindFault, terr.Kind)
	assert.Equal(t, "left-pad", terr.Specifier)

	// Relative-only modules never reach the resolver and still compile.
	out, err := faulty.Transpile(filepath.Join(root, "src", "c.js"), `import y from "./b.js"; console.log(y);`)
	require.NoError(t, err)
	assert.Contains(t, string(out.Code), `"./b.js"`)
}

func TestGuardConvertsPanics(t *testing.T) {
	err := guard("/srv/x.js", func() error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, KindFault, terr.Kind)
	assert.Equal(t, "/srv/x.js", terr.File)
	assert.Contains(t, terr.Message, "internal fault")

	sentinel := errors.New("plain")
	assert.Same(t, sentinel, guard("/srv/x.js", func() error { return sentinel }))
}

func TestTranspileConcurrent(t *testing.T) {
	root := newProject(t, leftPadProject)
	tr := newTranspiler(t, root, nil)

	var wg sync.WaitGroup
	failures := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%3 == 0 {
				_, err := tr.Transpile(filepath.Join(root, "src", "bad.js"), `let = "`)
				var terr *Error
				if !errors.As(err, &terr) || terr.Kind != KindParse {
					failures <- "expected parse error"
				}
				return
			}
			out, err := tr.Transpile(filepath.Join(root, "src", "a.js"), leftPadSource)
			if err != nil || !strings.Contains(string(out.Code), "/node_modules/left-pad/index.js") {
				failures <- "expected rewritten output"
			}
		}(i)
	}
	wg.Wait()
	close(failures)
	for f := range failures {
		t.Error(f)
	}
	assert.Zero(t, tr.Registry().Len(), "sources must be released after each compile")
}

func TestNewValidatesOptions(t *testing.T) {
	r := resolve.New(resolve.DefaultOptions())
	cases := []Options{
		{Root: "relative", Resolver: r},
		{Root: "/srv"},
		{Root: "/srv", Resolver: r, Target: "es3"},
		{Root: "/srv", Resolver: r, JSX: "vue"},
	}
	for _, opts := range cases {
		_, err := New(opts)
		assert.Error(t, err, "%+v", opts)
	}
}

func TestIsScript(t *testing.T) {
	for _, name := range []string{"a.js", "a.ts", "a.jsx", "a.tsx", "a.mjs", "a.cjs", "a.mts", "a.mtsx", "A.TS"} {
		assert.True(t, IsScript(name), name)
	}
	for _, name := range []string{"index.html", "style.css", "data.json", "README"} {
		assert.False(t, IsScript(name), name)
	}
}
