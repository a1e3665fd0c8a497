package source

import (
	"bytes"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Markdown handles Markdown files using goldmark. Headings stay in the
// text as their own paragraphs; the first h1 becomes the title.
type Markdown struct{}

func (m *Markdown) Extract(r io.Reader, filename string) (*Document, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	out := &Document{}
	var paragraphs []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			title := nodeText(node, src)
			if node.Level == 1 && out.Title == "" {
				out.Title = title
			}
			paragraphs = append(paragraphs, title)
		case *ast.ThematicBreak, *ast.HTMLBlock:
		default:
			if t := nodeText(n, src); t != "" {
				paragraphs = append(paragraphs, t)
			}
		}
	}

	out.Text = joinParagraphs(paragraphs)
	return finish(out, filename), nil
}

// nodeText gets the text content of a goldmark AST node.
func nodeText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	if n.Type() == ast.TypeBlock && n.FirstChild() == nil {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			line := lines.At(i)
			buf.Write(line.Value(src))
		}
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Value(src))
			if t.HardLineBreak() || t.SoftLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(t.Value)
		default:
			s := nodeText(c, src)
			if c.Type() == ast.TypeBlock && buf.Len() > 0 && s != "" {
				buf.WriteString("\n")
			}
			buf.WriteString(s)
		}
	}
	return strings.TrimSpace(buf.String())
}
