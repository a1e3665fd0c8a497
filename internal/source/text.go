package source

import (
	"bufio"
	"io"
	"strings"
)

// Text handles plain text files.
type Text struct{}

func (t *Text) Extract(r io.Reader, filename string) (*Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var paragraphs []string
	var current strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if current.Len() > 0 {
				paragraphs = append(paragraphs, current.String())
				current.Reset()
			}
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		paragraphs = append(paragraphs, current.String())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return finish(&Document{Text: joinParagraphs(paragraphs)}, filename), nil
}
