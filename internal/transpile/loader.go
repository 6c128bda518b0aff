package transpile

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// MIMEJavaScript is the content type of every transpiled module.
const MIMEJavaScript = "application/javascript"

var loaders = map[string]api.Loader{
	".js":   api.LoaderJS,
	".mjs":  api.LoaderJS,
	".cjs":  api.LoaderJS,
	".jsx":  api.LoaderJSX,
	".ts":   api.LoaderTS,
	".mts":  api.LoaderTS,
	".tsx":  api.LoaderTSX,
	".mtsx": api.LoaderTSX,
}

// IsScript reports whether path has an extension the transpiler handles.
func IsScript(path string) bool {
	_, ok := loaders[strings.ToLower(filepath.Ext(path))]
	return ok
}

func loaderFor(path string) (api.Loader, bool) {
	l, ok := loaders[strings.ToLower(filepath.Ext(path))]
	return l, ok
}

var targets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"es2023": api.ES2023,
	"es2024": api.ES2024,
	"esnext": api.ESNext,
}

// DefaultTarget is the language level emitted when none is configured.
const DefaultTarget = "es2022"

// ParseTarget maps a language level name such as "es2020" to its esbuild target.
func ParseTarget(name string) (api.Target, error) {
	t, ok := targets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unsupported target %q: must be one of es2015..es2024 or esnext", name)
	}
	return t, nil
}

var jsxModes = map[string]api.JSX{
	"":          api.JSXTransform,
	"classic":   api.JSXTransform,
	"automatic": api.JSXAutomatic,
}

// ParseJSX maps "classic" or "automatic" to an esbuild JSX mode.
func ParseJSX(name string) (api.JSX, error) {
	m, ok := jsxModes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unsupported jsx mode %q: must be classic or automatic", name)
	}
	return m, nil
}
