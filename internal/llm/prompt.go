package llm

import (
	"fmt"
	"strings"

	"github.com/innerchild2401/arsfafe/internal/segment"
)

const structurePrompt = `You convert raw book text into a hierarchical JSON structure.

Rules:
- Identify chapters ("Chapter X", numbered headings, ALL CAPS headings, major topic breaks).
- Identify sections within chapters (subheadings, numbered subsections, topic shifts).
- Group paragraphs under their section. Copy paragraph text verbatim. Never split a paragraph by length.
- Only output COMPLETE paragraphs. If the text ends mid-paragraph, stop before that paragraph and set "stopped_early" to true.
- Set "last_processed_unit" to the exact text of the last complete paragraph you output.

Respond with ONLY this JSON object:
{
  "document": {
    "title": "Book Title",
    "author": "Author Name",
    "chapters": [
      {"chapter_title": "Chapter Title", "sections": [{"section_title": "Section Title", "paragraphs": ["..."]}]}
    ]
  },
  "last_processed_unit": "exact text of the last complete paragraph",
  "stopped_early": false
}`

// BuildStructurePrompt creates the user content for one structuring window.
func BuildStructurePrompt(req segment.Request) string {
	var sb strings.Builder
	if req.Title != "" {
		sb.WriteString(fmt.Sprintf("Title: %s\n", req.Title))
	}
	if req.Author != "" {
		sb.WriteString(fmt.Sprintf("Author: %s\n", req.Author))
	}
	if req.Final {
		sb.WriteString("This is the final part of the text; the last paragraph is complete.\n")
	} else {
		sb.WriteString("The text continues after this part; the last paragraph may be cut off.\n")
	}
	sb.WriteString("---\n")
	sb.WriteString(req.Window)
	return sb.String()
}

const labelPrompt = `Extract %d concise topic labels (2-4 words each) for this text section.
Respond with ONLY a JSON array of strings: ["label1", "label2", ...]

Text:
%s`

const summaryPrompt = `Summarize this section in 3-4 sentences. Focus on the key ideas, main arguments and important concepts.
%s
Text:
%s`

const documentSummaryPrompt = `Combine these section summaries into an executive summary of the whole book in one or two paragraphs.
%s
Summaries:
%s`

const tagPrompt = `Decide whether this text contains actionable methodology:
- "framework": step-by-step frameworks, procedures, routines or processes
- "script": dialogue scripts, conversation patterns, "what to say" guides
- "derivation": mathematical derivations, computational steps, formulas

Respond with ONLY this JSON object:
{"tags": ["framework"], "confidence": 0.85, "description": "short description"}
If none apply respond with {"tags": [], "confidence": 0.0, "description": ""}

Text:
%s`

func titleLine(title string) string {
	if title == "" {
		return ""
	}
	return fmt.Sprintf("Title: %s\n", title)
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}
