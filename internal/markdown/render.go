package markdown

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/marksync/marksync/internal/tree"
)

// newRenderer creates the goldmark instance used for previews.
func newRenderer() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Linkify,
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)
}

// RenderHTML renders the encoded form of root as an HTML fragment. Raw HTML in
// titles or notes is not passed through.
func RenderHTML(root *tree.Root) ([]byte, error) {
	var buf bytes.Buffer
	if err := newRenderer().Convert([]byte(Encode(root)), &buf); err != nil {
		return nil, fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.Bytes(), nil
}
