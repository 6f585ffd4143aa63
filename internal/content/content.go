package content

import (
	"bytes"
	"html/template"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	policy = bluemonday.UGCPolicy()
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Renderer turns chat message markdown into sanitized HTML.
type Renderer struct {
	md goldmark.Markdown
}

func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
	}
}

// Render never returns unsanitized markup. Raw HTML in the input is dropped by
// the markdown renderer and anything left is run through the UGC policy.
func (r *Renderer) Render(input string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(input), &buf); err != nil {
		slog.Warn("markdown render failed", "error", err)
		return Escape(input)
	}
	return strings.TrimSpace(Sanitize(buf.String()))
}
