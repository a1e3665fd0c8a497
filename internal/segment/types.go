// Package segment turns unbounded Source Text into a chapter/section/paragraph
// tree by driving a structuring oracle over bounded text windows.
package segment

import "strings"

// Source is the immutable input to the engine.
type Source struct {
	DocumentID string
	Title      string
	Author     string
	Text       string
}

// Section is a titled list of paragraphs.
type Section struct {
	Title      string   `json:"section_title"`
	Paragraphs []string `json:"paragraphs"`
}

// Chapter groups sections under a chapter title.
type Chapter struct {
	Title    string    `json:"chapter_title"`
	Sections []Section `json:"sections"`
}

// Structure is the merged tree for a whole document.
type Structure struct {
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	Chapters []Chapter `json:"chapters"`
}

// Fragment is the validated oracle output for one window.
type Fragment struct {
	Title             string
	Author            string
	Chapters          []Chapter
	LastProcessedUnit string
	StoppedEarly      bool
	Repaired          bool
}

// SectionCount returns the number of sections across all chapters.
func (s Structure) SectionCount() int {
	n := 0
	for _, ch := range s.Chapters {
		n += len(ch.Sections)
	}
	return n
}

// NonEmpty returns the paragraphs that contain more than whitespace.
func (s Section) NonEmpty() []string {
	out := make([]string, 0, len(s.Paragraphs))
	for _, p := range s.Paragraphs {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
