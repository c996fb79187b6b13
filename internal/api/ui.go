package api

import (
	"embed"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

//go:embed static/index.html
var staticFiles embed.FS

// AddUIRoutes serves the single-page form at the server root.
func AddUIRoutes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		page, err := staticFiles.ReadFile("static/index.html")
		if err != nil {
			slog.Error("error reading embedded ui page", "error", err)
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page) //nolint:errcheck
	})
}
