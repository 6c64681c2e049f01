package models

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Raw HTML coming from the assistant is never passed through; goldmark escapes it unless WithUnsafe is set.
var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(highlighting.WithStyle("github")),
	),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// RenderContent renders the content of a message into an HTML fragment. Assistant messages are treated
// as Markdown, user messages are escaped and kept verbatim, with line breaks preserved.
func RenderContent(msg Message) (string, error) {
	if msg.Role != RoleAssistant {
		return strings.ReplaceAll(html.EscapeString(msg.Content), "\n", "<br>"), nil
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(msg.Content), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}
