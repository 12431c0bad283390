// Package web serves the human-readable status page.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/coordinator"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// NewHandler returns the handler for /status and its static assets.
func NewHandler(coord *coordinator.Coordinator, version string, logger *zap.Logger) http.Handler {
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic("web: template sub-FS: " + err.Error())
	}
	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("web: static sub-FS: " + err.Error())
	}

	h := &Handlers{
		coord:    coord,
		renderer: NewRenderer(templateSub, version, logger),
		now:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.Handle("GET /status/static/", http.StripPrefix("/status/static/", http.FileServerFS(staticSub)))

	return securityHeaders(mux)
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}
