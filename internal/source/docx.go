package source

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fumiama/go-docx"
)

// DOCX handles .docx files. The first Title or Heading1 paragraph becomes
// the document title.
type DOCX struct{}

func (d *DOCX) Extract(r io.Reader, filename string) (*Document, error) {
	// go-docx needs a ReadSeeker+size, so write to temp file.
	tmp, err := os.CreateTemp("", "arsfafe-docx-*.docx")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("seek temp file: %w", err)
	}

	doc, err := docx.Parse(tmp, size)
	tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w", err)
	}

	out := &Document{}
	var paras []string
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		text := paragraphText(para)
		if text == "" {
			continue
		}
		if out.Title == "" && isTitleStyle(para) {
			out.Title = text
		}
		paras = append(paras, text)
	}

	out.Text = joinParagraphs(paras)
	return finish(out, filename), nil
}

func isTitleStyle(para *docx.Paragraph) bool {
	if para.Properties == nil || para.Properties.Style == nil {
		return false
	}
	style := strings.ReplaceAll(strings.ToLower(para.Properties.Style.Val), " ", "")
	return style == "title" || style == "heading1"
}

func paragraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}
