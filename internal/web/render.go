package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"

	"github.com/hpungsan/codestream/internal/errors"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	Role    string
}

// CellView is one cell on the dashboard.
type CellView struct {
	ID        string
	Timestamp string
	Enabled   bool
	Pending   bool
	HTML      template.HTML
}

// DashboardData is the template data for the dashboard page.
type DashboardData struct {
	PageData
	Session    string
	Cells      []CellView
	Upstream   string
	HasToken   bool
	Configured bool
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	logger    zerolog.Logger
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string) *Renderer {
	funcMap := template.FuncMap{
		"short": func(s string) string {
			if len(s) > 10 {
				return s[:10]
			}
			return s
		},
	}

	layoutTmpl := template.Must(template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html"))

	pages := map[string]string{
		"dashboard": "dashboard.html",
		"error":     "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t := template.Must(layoutTmpl.Clone())
		template.Must(t.ParseFS(templateFS, file))
		templates[name] = t
	}

	return &Renderer{
		templates: templates,
		version:   version,
		logger:    zerolog.Nop(),
	}
}

// renderPage renders a named page template with the given data and HTTP status code.
func (r *Renderer) renderPage(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.logger.Error().Str("template", name).Msg("template not found")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.logger.Error().Err(err).Str("template", name).Msg("template execution error")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error as an HTML page for browsers and as the JSON
// error envelope for everything else.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	se := errors.From(err)
	if !wantsHTML(req) {
		writeError(w, se)
		return
	}
	r.renderPage(w, se.Status, "error", ErrorPageData{
		PageData: PageData{
			Title:   fmt.Sprintf("Error %d", se.Status),
			Version: r.version,
		},
		StatusCode: se.Status,
		Message:    publicMessage(se),
	})
}

func wantsHTML(req *http.Request) bool {
	accept := req.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Status    string         `json:"status"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// publicMessage hides the text of internal errors, which may carry paths or
// driver output.
func publicMessage(se *errors.StreamError) string {
	if se.Code == errors.ErrInternal {
		return "Internal server error"
	}
	return se.Message
}

// writeError writes the JSON error envelope for err.
func writeError(w http.ResponseWriter, err error) {
	se := errors.From(err)
	body := errorBody{
		Status:    "error",
		Code:      string(se.Code),
		Message:   publicMessage(se),
		Retryable: se.Retryable,
	}
	if se.Code != errors.ErrInternal {
		body.Details = se.Details
	}
	renderJSON(w, se.Status, body)
}

// writeData writes {"status":"success","data":data}.
func writeData(w http.ResponseWriter, status int, data any) {
	renderJSON(w, status, map[string]any{"status": "success", "data": data})
}

// writeMessage writes {"status":"success","message":msg} plus extra fields.
func writeMessage(w http.ResponseWriter, status int, msg string, extra map[string]any) {
	body := map[string]any{"status": "success", "message": msg}
	for k, v := range extra {
		body[k] = v
	}
	renderJSON(w, status, body)
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderCode renders cell content as a fenced code block through goldmark.
// The fence is one backtick longer than the longest run inside the content,
// so the content can never close it early.
func renderCode(content string) template.HTML {
	fence := strings.Repeat("`", max(3, longestRun(content, '`')+1))
	md := fence + "\n" + content + "\n" + fence + "\n"

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(content) + "</pre>")
	}
	return template.HTML(buf.String())
}

func longestRun(s string, c byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			cur++
			best = max(best, cur)
		} else {
			cur = 0
		}
	}
	return best
}
