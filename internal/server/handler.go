// Package server serves project files over HTTP, compiling scripts on demand.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rathix/esmserve/internal/transpile"
)

// Content types written by the handler.
const (
	MIMEHTML       = "text/html"
	MIMEJavaScript = transpile.MIMEJavaScript
	MIMEText       = "text/plain"
)

// ErrorHeader carries the compile failure kind on 500 responses.
const ErrorHeader = "X-Esmserve-Error"

// Compiler turns a script source into browser-runnable JavaScript.
// Defined here at the consumer, not in the transpile package.
type Compiler interface {
	Transpile(path, source string) (transpile.Output, error)
}

// Handler serves files under the project root.
type Handler struct {
	root       string
	compiler   Compiler
	logger     *slog.Logger
	liveReload bool
}

// NewHandler creates a handler for the canonical project root. When
// liveReload is set, HTML responses get the live-reload client injected.
func NewHandler(root string, compiler Compiler, logger *slog.Logger, liveReload bool) *Handler {
	return &Handler{
		root:       root,
		compiler:   compiler,
		logger:     logger,
		liveReload: liveReload,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	// Cleaning a rooted path removes every "..", confining it to the root.
	urlPath := path.Clean("/" + r.URL.Path)
	filePath, ok := h.locate(urlPath)
	if !ok {
		h.logger.Debug("not found", "path", urlPath)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		h.logger.Debug("read failed", "path", urlPath, "error", err)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")

	switch {
	case isHTML(filePath):
		if h.liveReload {
			data = injectClient(data)
		}
		w.Header().Set("Content-Type", MIMEHTML)
	case transpile.IsScript(filePath):
		out, err := h.compiler.Transpile(filePath, string(data))
		if err != nil {
			h.writeCompileError(w, urlPath, err)
			return
		}
		data = out.Code
		w.Header().Set("Content-Type", out.MIME)
	default:
		w.Header().Set("Content-Type", MIMEText)
	}

	_, _ = w.Write(data)
	h.logger.Debug("served", "path", urlPath, "bytes", len(data), "duration", time.Since(start))
}

// locate maps a cleaned URL path to a regular file, using index.html for
// directories.
func (h *Handler) locate(urlPath string) (string, bool) {
	filePath := filepath.Join(h.root, filepath.FromSlash(urlPath))
	info, err := os.Stat(filePath)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		filePath = filepath.Join(filePath, "index.html")
		if info, err = os.Stat(filePath); err != nil {
			return "", false
		}
	}
	if !info.Mode().IsRegular() {
		return "", false
	}
	return filePath, true
}

func (h *Handler) writeCompileError(w http.ResponseWriter, urlPath string, err error) {
	kind := transpile.KindFault
	body := err.Error()
	var terr *transpile.Error
	if errors.As(err, &terr) {
		kind = terr.Kind
		if terr.Frame != "" {
			body += "\n\n" + terr.Frame
		}
	}

	h.logger.Warn("compile failed", "path", urlPath, "kind", kind, "error", err)

	w.Header().Set("Content-Type", MIMEText)
	w.Header().Set(ErrorHeader, string(kind))
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(body + "\n"))
}

func isHTML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".html" || ext == ".htm"
}
