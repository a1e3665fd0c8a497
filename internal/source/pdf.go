package source

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// PDF handles PDF files. It tries the Go library first, then falls back to
// pdftotext if enabled and installed. Pages become paragraph breaks.
type PDF struct {
	FallbackPdftotext bool
}

func (p *PDF) Extract(r io.Reader, filename string) (*Document, error) {
	// ledongthuc/pdf requires a ReadSeeker+size, so we write to a temp file.
	tmp, err := os.CreateTemp("", "arsfafe-pdf-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	text, err := extractPDFText(tmpPath)
	if (err != nil || strings.TrimSpace(text) == "") && p.FallbackPdftotext {
		if alt, altErr := extractPdftotext(tmpPath); altErr == nil {
			text, err = alt, nil
		} else if err == nil {
			err = altErr
		}
	}
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	var paras []string
	for _, page := range strings.Split(text, "\f") {
		paras = append(paras, splitParagraphs(page)...)
	}
	return finish(&Document{Text: joinParagraphs(paras)}, filename), nil
}

func extractPDFText(path string) (string, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if i > 1 {
			buf.WriteString("\f")
		}
		buf.WriteString(text)
	}
	return buf.String(), nil
}

func extractPdftotext(path string) (string, error) {
	out, err := exec.Command("pdftotext", "-layout", path, "-").Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	return string(out), nil
}
