package transpile

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds the source text of in-flight compiles so diagnostics can
// quote it. It is shared by all requests; entries live only until Release.
type Registry struct {
	mu      sync.Mutex
	next    uint64
	sources map[uint64]*Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[uint64]*Source)}
}

// Source is a registered file.
type Source struct {
	ID   uint64
	Path string
	Text string

	registry *Registry
}

// Register adds a source and returns its handle.
func (r *Registry) Register(path, text string) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	src := &Source{ID: r.next, Path: path, Text: text, registry: r}
	r.sources[src.ID] = src
	return src
}

// Len reports the number of registered sources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}

// Release removes the source from its registry.
func (s *Source) Release() {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	delete(s.registry.sources, s.ID)
}

const frameContext = 2

// Frame renders the lines around line (1-based) with a caret under column
// (0-based, in bytes). It returns "" when line is out of range.
func (s *Source) Frame(line, column int) string {
	lines := strings.Split(s.Text, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	first := max(1, line-frameContext)
	last := min(len(lines), line+frameContext)
	width := len(fmt.Sprint(last))

	var b strings.Builder
	for n := first; n <= last; n++ {
		marker := " "
		if n == line {
			marker = ">"
		}
		text := strings.TrimRight(lines[n-1], "\r")
		fmt.Fprintf(&b, "%s %*d | %s\n", marker, width, n, text)
		if n == line {
			col := min(max(column, 0), len(text))
			fmt.Fprintf(&b, "  %s | %s^\n", strings.Repeat(" ", width), strings.Repeat(" ", col))
		}
	}
	return b.String()
}
