// Package web serves the dashboard's static assets.
package web

import (
	"net/http"
	"os"
	"path/filepath"
)

// StaticHandler serves files from root with cache-busting headers. The
// dashboard is edited live against a running relay, so every response is
// marked uncacheable.
func StaticHandler(root string) http.Handler {
	fs := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		fs.ServeHTTP(w, r)
	})
}

// EnsureDir creates the static root when it does not exist yet so a fresh
// checkout can start serving without manual setup.
func EnsureDir(root string) error {
	return os.MkdirAll(filepath.Clean(root), 0o755)
}
