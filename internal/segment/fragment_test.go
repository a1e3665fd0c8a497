package segment

import (
	"errors"
	"testing"
)

func TestParseFragment_Wrapped(t *testing.T) {
	raw := `{"document":{"title":"Book","author":"Ann","chapters":[
		{"chapter_title":"Ch 1","sections":[{"section_title":"Intro","paragraphs":["p1","p2"]}]}
	]},"last_processed_unit":"p2","stopped_early":true}`

	frag, err := ParseFragment(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frag.Title != "Book" || frag.Author != "Ann" {
		t.Errorf("unexpected metadata %q/%q", frag.Title, frag.Author)
	}
	if frag.LastProcessedUnit != "p2" || !frag.StoppedEarly {
		t.Errorf("unexpected continuation fields: %q %v", frag.LastProcessedUnit, frag.StoppedEarly)
	}
	if frag.Repaired {
		t.Error("valid JSON should not be marked repaired")
	}
}

func TestParseFragment_Unwrapped(t *testing.T) {
	raw := "```json\n{\"chapters\":[{\"sections\":[{\"paragraphs\":[\"a\",42,\"b\"]}]}],\"last_processed_unit\":\"b\"}\n```"

	frag, err := ParseFragment(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frag.Chapters) != 1 {
		t.Fatalf("expected 1 chapter, got %d", len(frag.Chapters))
	}
	if frag.Chapters[0].Title != DefaultChapterTitle {
		t.Errorf("expected default chapter title, got %q", frag.Chapters[0].Title)
	}
	paras := frag.Chapters[0].Sections[0].Paragraphs
	if len(paras) != 2 || paras[0] != "a" || paras[1] != "b" {
		t.Errorf("expected non-string paragraphs dropped, got %q", paras)
	}
	if frag.LastProcessedUnit != "b" {
		t.Errorf("expected last unit %q, got %q", "b", frag.LastProcessedUnit)
	}
}

func TestParseFragment_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "   "},
		{"prose", "I could not structure this text."},
		{"missing chapters", `{"document":{"title":"x"}}`},
		{"chapters wrong type", `{"chapters":"none"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFragment(tt.raw)
			if !errors.Is(err, ErrOracleOutput) {
				t.Errorf("expected ErrOracleOutput, got %v", err)
			}
		})
	}
}
