package server

import (
	_ "embed"
	"net/http"
	"regexp"
)

// Reserved paths for live reload. They shadow project files of the same name.
const (
	EventsPath = "/__esmserve/events"
	ClientPath = "/__esmserve/client.js"
)

//go:embed client.js
var clientScript []byte

var (
	headClose = regexp.MustCompile(`(?i)</head\s*>`)
	bodyClose = regexp.MustCompile(`(?i)</body\s*>`)
)

const clientTag = `<script type="module" src="` + ClientPath + `"></script>`

// ServeClientScript serves the live-reload client.
func ServeClientScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", MIMEJavaScript)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(clientScript)
}

// injectClient inserts the live-reload script tag before </head>, falling
// back to </body> and then the end of the document.
func injectClient(html []byte) []byte {
	for _, re := range []*regexp.Regexp{headClose, bodyClose} {
		if loc := re.FindIndex(html); loc != nil {
			out := make([]byte, 0, len(html)+len(clientTag))
			out = append(out, html[:loc[0]]...)
			out = append(out, clientTag...)
			return append(out, html[loc[0]:]...)
		}
	}
	return append(html[:len(html):len(html)], clientTag...)
}
