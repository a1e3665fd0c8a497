package segment

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrOracleOutput marks structuring output that could not be used.
var ErrOracleOutput = errors.New("unusable oracle output")

// DefaultChapterTitle is used when the oracle omits a chapter title.
const DefaultChapterTitle = "Untitled Chapter"

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	// Truncated output can lose the closing fence.
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			return strings.TrimSpace(s[i+1:])
		}
	}
	return s
}

// ParseFragment decodes and validates one oracle response. Malformed JSON is
// repaired once before giving up. Every field is treated as untrusted.
func ParseFragment(raw string) (Fragment, error) {
	text := stripCodeBlock(raw)
	if text == "" {
		return Fragment{}, fmt.Errorf("%w: empty response", ErrOracleOutput)
	}

	repaired := false
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		fixed, changed := Repair(text)
		if !changed {
			return Fragment{}, fmt.Errorf("%w: %v", ErrOracleOutput, err)
		}
		if err := json.Unmarshal([]byte(fixed), &doc); err != nil {
			return Fragment{}, fmt.Errorf("%w: repair failed: %v", ErrOracleOutput, err)
		}
		repaired = true
	}

	frag, err := fragmentFrom(doc)
	if err != nil {
		return Fragment{}, err
	}
	frag.Repaired = repaired
	return frag, nil
}

func fragmentFrom(doc map[string]any) (Fragment, error) {
	body := doc
	if inner, ok := doc["document"].(map[string]any); ok {
		body = inner
	}

	rawChapters, ok := body["chapters"].([]any)
	if !ok {
		return Fragment{}, fmt.Errorf("%w: missing chapters", ErrOracleOutput)
	}

	frag := Fragment{
		Title:  stringField(body, "title"),
		Author: stringField(body, "author"),
	}

	for _, rc := range rawChapters {
		cm, ok := rc.(map[string]any)
		if !ok {
			continue
		}
		ch := Chapter{Title: stringField(cm, "chapter_title")}
		if ch.Title == "" {
			ch.Title = DefaultChapterTitle
		}
		rawSections, _ := cm["sections"].([]any)
		for _, rs := range rawSections {
			sm, ok := rs.(map[string]any)
			if !ok {
				continue
			}
			sec := Section{Title: stringField(sm, "section_title")}
			rawParas, _ := sm["paragraphs"].([]any)
			for _, rp := range rawParas {
				if p, ok := rp.(string); ok {
					sec.Paragraphs = append(sec.Paragraphs, p)
				}
			}
			ch.Sections = append(ch.Sections, sec)
		}
		frag.Chapters = append(frag.Chapters, ch)
	}

	// The continuation fields may sit at either level.
	frag.LastProcessedUnit = stringField(doc, "last_processed_unit")
	if frag.LastProcessedUnit == "" {
		frag.LastProcessedUnit = stringField(body, "last_processed_unit")
	}
	frag.StoppedEarly = boolField(doc, "stopped_early") || boolField(body, "stopped_early")

	return frag, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
