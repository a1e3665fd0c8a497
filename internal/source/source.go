// Package source extracts plain Source Text from uploaded files. Every
// extractor yields paragraphs separated by blank lines, which is the
// boundary the segment slicer prefers.
package source

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Document is the extracted text of one upload plus any metadata the
// format carries.
type Document struct {
	Title  string
	Author string
	Text   string
}

// Extractor converts raw file bytes into a Document.
type Extractor interface {
	Extract(r io.Reader, filename string) (*Document, error)
}

// SupportedExtensions lists file extensions this service can handle.
var SupportedExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
	".pdf":      true,
	".docx":     true,
	".epub":     true,
}

// Options tunes extractor behavior.
type Options struct {
	PDFFallbackPdftotext bool
}

// ForFile returns the extractor for a filename.
func ForFile(filename string, opts Options) (Extractor, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".txt":
		return &Text{}, nil
	case ".md", ".markdown":
		return &Markdown{}, nil
	case ".html", ".htm":
		return &HTML{}, nil
	case ".pdf":
		return &PDF{FallbackPdftotext: opts.PDFFallbackPdftotext}, nil
	case ".docx":
		return &DOCX{}, nil
	case ".epub":
		return &EPUB{}, nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %q", ext)
	}
}

// IsSupported checks if a file extension is supported.
func IsSupported(filename string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// BaseTitle derives a fallback title from a filename.
func BaseTitle(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
}

var (
	blankRun   = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
	trailingWS = regexp.MustCompile(`[ \t]+\n`)
)

// Normalize applies NFKC, unifies line endings, strips trailing spaces
// and collapses runs of blank lines to a single paragraph break.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trailingWS.ReplaceAllString(s, "\n")
	s = blankRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// joinParagraphs trims each paragraph, drops empties and joins the rest
// with a blank line.
func joinParagraphs(paras []string) string {
	kept := make([]string, 0, len(paras))
	for _, p := range paras {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func finish(doc *Document, filename string) *Document {
	doc.Title = strings.TrimSpace(norm.NFKC.String(doc.Title))
	doc.Author = strings.TrimSpace(norm.NFKC.String(doc.Author))
	if doc.Title == "" {
		doc.Title = BaseTitle(filename)
	}
	doc.Text = Normalize(doc.Text)
	return doc
}
