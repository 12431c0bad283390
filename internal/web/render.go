package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/logging"
)

// PageData is the template data for the layout.
type PageData struct {
	Title     string
	Version   string
	Generated int64
	Refresh   int // seconds
	Body      template.HTML
}

// Renderer renders Markdown pages inside the HTML layout.
type Renderer struct {
	layout  *template.Template
	md      goldmark.Markdown
	version string
	logger  *zap.Logger
}

// NewRenderer parses the layout from templateFS.
func NewRenderer(templateFS fs.FS, version string, logger *zap.Logger) *Renderer {
	funcMap := template.FuncMap{
		"formatTime": formatTime,
	}
	layout := template.Must(template.New("layout.html").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	return &Renderer{
		layout:  layout,
		md:      goldmark.New(goldmark.WithExtensions(extension.Table)),
		version: version,
		logger:  logging.OrNop(logger),
	}
}

// renderPage converts markdown to HTML and writes it inside the layout.
func (r *Renderer) renderPage(w http.ResponseWriter, status int, data PageData, markdown string) {
	data.Version = r.version
	data.Body = r.renderMarkdown(markdown)

	var buf bytes.Buffer
	if err := r.layout.Execute(&buf, data); err != nil {
		r.logger.Error("template execution error", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error response with content negotiation.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	lErr := errors.As(err)
	status := lErr.Status
	message := lErr.Message

	if strings.Contains(req.Header.Get("Accept"), "application/json") {
		renderJSON(w, status, map[string]any{
			"error": map[string]any{
				"code":    string(lErr.Code),
				"message": message,
				"status":  status,
			},
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<div class="error-message">%s</div>`, template.HTMLEscapeString(message))
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark.
// Raw HTML in the source is dropped by goldmark's default renderer.
func (r *Renderer) renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// formatTime formats a Unix timestamp as "2006-01-02 15:04:05" UTC.
func formatTime(unix int64) string {
	if unix == 0 {
		return "-"
	}
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04:05")
}

// formatCount formats an integer with comma thousands separators.
func formatCount(n int) string {
	if n < 0 {
		return "-" + formatCount(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if result.Len() > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// escapeCell makes s safe inside a Markdown table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
