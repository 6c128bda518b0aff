package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Manifest is the subset of a package.json the resolver reads.
type Manifest struct {
	Dir string

	fields     map[string]string
	browserMap map[string]browserTarget
	exports    *exportsNode
}

type browserTarget struct {
	path     string
	excluded bool
}

// Field returns the string value of a top-level field, or "" when it is
// absent or not a string.
func (m *Manifest) Field(name string) string {
	return m.fields[name]
}

// HasExports reports whether the package declares an "exports" field.
func (m *Manifest) HasExports() bool {
	return m.exports != nil
}

func parseManifest(dir string, data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}

	m := &Manifest{Dir: dir, fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			m.fields[k] = s
		}
	}

	if b, ok := raw["browser"]; ok {
		var entries map[string]json.RawMessage
		if json.Unmarshal(b, &entries) == nil {
			m.browserMap = make(map[string]browserTarget, len(entries))
			for k, v := range entries {
				var s string
				var flag bool
				switch {
				case json.Unmarshal(v, &s) == nil:
					m.browserMap[browserKey(k)] = browserTarget{path: s}
				case json.Unmarshal(v, &flag) == nil && !flag:
					m.browserMap[browserKey(k)] = browserTarget{excluded: true}
				}
			}
		}
	}

	if e, ok := raw["exports"]; ok {
		dec := json.NewDecoder(bytes.NewReader(e))
		node, err := decodeExports(dec)
		if err != nil {
			return nil, fmt.Errorf("parse package.json exports: %w", err)
		}
		if node.kind != exportsNull {
			m.exports = node
		}
	}
	return m, nil
}

// browserKey normalizes a browser-map key to "./"-prefixed clean form.
// Keys naming other modules ("fs") are kept verbatim.
func browserKey(k string) string {
	if !strings.HasPrefix(k, "./") && !strings.HasPrefix(k, "../") && !strings.HasPrefix(k, "/") {
		if !strings.Contains(k, "/") && path.Ext(k) == "" {
			return k
		}
	}
	return "./" + strings.TrimPrefix(path.Clean("/"+k), "/")
}

// lookupBrowser finds the browser-map entry for a package-relative file
// path, trying the path with and without its extension.
func (m *Manifest) lookupBrowser(rel string) (browserTarget, bool) {
	if m.browserMap == nil {
		return browserTarget{}, false
	}
	key := browserKey(rel)
	if t, ok := m.browserMap[key]; ok {
		return t, true
	}
	if ext := path.Ext(key); ext != "" {
		if t, ok := m.browserMap[strings.TrimSuffix(key, ext)]; ok {
			return t, true
		}
	}
	return browserTarget{}, false
}
