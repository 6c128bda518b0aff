package resolve

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type exportsKind int

const (
	exportsNull exportsKind = iota
	exportsString
	exportsArray
	exportsObject
)

type exportsEntry struct {
	key   string
	value *exportsNode
}

// exportsNode is an "exports" value with object key order preserved;
// condition matching depends on it.
type exportsNode struct {
	kind    exportsKind
	str     string
	items   []*exportsNode
	entries []exportsEntry
}

func decodeExports(dec *json.Decoder) (*exportsNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			node := &exportsNode{kind: exportsObject}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", kt)
				}
				child, err := decodeExports(dec)
				if err != nil {
					return nil, err
				}
				node.entries = append(node.entries, exportsEntry{key: key, value: child})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		case '[':
			node := &exportsNode{kind: exportsArray}
			for dec.More() {
				child, err := decodeExports(dec)
				if err != nil {
					return nil, err
				}
				node.items = append(node.items, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case string:
		return &exportsNode{kind: exportsString, str: v}, nil
	default:
		return &exportsNode{kind: exportsNull}, nil
	}
}

// isSubpathMap reports whether the node is an object keyed by "." subpaths
// rather than by conditions.
func (n *exportsNode) isSubpathMap() bool {
	if n.kind != exportsObject || len(n.entries) == 0 {
		return false
	}
	return strings.HasPrefix(n.entries[0].key, ".")
}

// resolveExports maps subpath ("." or "./x") through the exports tree and
// returns the package-relative target ("./dist/x.js").
func resolveExports(root *exportsNode, subpath string, conditions map[string]bool) (string, bool) {
	if !root.isSubpathMap() {
		if subpath != "." {
			return "", false
		}
		return resolveTarget(root, "", conditions)
	}

	for _, e := range root.entries {
		if e.key == subpath && !strings.Contains(e.key, "*") {
			return resolveTarget(e.value, "", conditions)
		}
	}

	// Pattern and folder keys, longest key first.
	type candidate struct {
		key    string
		value  *exportsNode
		star   string
		folder bool
	}
	var matches []candidate
	for _, e := range root.entries {
		if i := strings.IndexByte(e.key, '*'); i >= 0 {
			prefix, suffix := e.key[:i], e.key[i+1:]
			if len(subpath) >= len(prefix)+len(suffix) && strings.HasPrefix(subpath, prefix) && strings.HasSuffix(subpath, suffix) {
				matches = append(matches, candidate{key: e.key, value: e.value, star: subpath[len(prefix) : len(subpath)-len(suffix)]})
			}
		} else if strings.HasSuffix(e.key, "/") && strings.HasPrefix(subpath, e.key) {
			matches = append(matches, candidate{key: e.key, value: e.value, star: strings.TrimPrefix(subpath, e.key), folder: true})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].key) > len(matches[j].key)
	})
	if len(matches) == 0 {
		return "", false
	}
	// Only the best match counts; a null target there hides broader patterns.
	best := matches[0]
	if best.folder {
		t, ok := resolveTarget(best.value, "", conditions)
		if !ok || !strings.HasSuffix(t, "/") || !validTarget(t+best.star) {
			return "", false
		}
		return t + best.star, true
	}
	return resolveTarget(best.value, best.star, conditions)
}

func resolveTarget(n *exportsNode, star string, conditions map[string]bool) (string, bool) {
	switch n.kind {
	case exportsString:
		t := strings.ReplaceAll(n.str, "*", star)
		if !validTarget(t) {
			return "", false
		}
		return t, true
	case exportsArray:
		for _, item := range n.items {
			if t, ok := resolveTarget(item, star, conditions); ok {
				return t, true
			}
		}
	case exportsObject:
		for _, e := range n.entries {
			if e.key != "default" && !conditions[e.key] {
				continue
			}
			if t, ok := resolveTarget(e.value, star, conditions); ok {
				return t, true
			}
		}
	}
	return "", false
}

// validTarget reports whether an export target stays inside its package: it
// starts with "./" and no later segment is ".", ".." or node_modules.
func validTarget(t string) bool {
	rest, ok := strings.CutPrefix(t, "./")
	if !ok || strings.ContainsRune(t, '\\') {
		return false
	}
	for _, seg := range strings.Split(rest, "/") {
		switch strings.ToLower(seg) {
		case ".", "..", "node_modules":
			return false
		}
	}
	return true
}
