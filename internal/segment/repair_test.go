package segment

import (
	"encoding/json"
	"testing"
)

func TestRepair(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		changed bool
	}{
		{"valid", `{"a":1}`, false},
		{"truncated string", `{"a":["x","y`, true},
		{"trailing comma", `{"chapters":[{"chapter_title":"X","sections":[]},`, true},
		{"escaped quote", `{"a":"he said \"hi`, true},
		{"dangling escape", `{"a":"abc\`, true},
		{"dangling colon", `{"a":`, true},
		{"nested", `{"a":{"b":[{"c":[1,2`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, changed := Repair(tt.input)
			if changed != tt.changed {
				t.Fatalf("expected changed=%v, got %v (%q)", tt.changed, changed, out)
			}
			if !json.Valid([]byte(out)) {
				t.Errorf("expected valid JSON, got %q", out)
			}
		})
	}
}

func TestRepair_NothingToClose(t *testing.T) {
	out, changed := Repair("not json at all")
	if changed {
		t.Errorf("expected no change, got %q", out)
	}
}

func TestParseFragment_RepairsTruncatedString(t *testing.T) {
	raw := `{"document":{"chapters":[{"chapter_title":"One","sections":[{"section_title":"A","paragraphs":["first","second para trunc`

	frag, err := ParseFragment(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !frag.Repaired {
		t.Error("expected fragment to be marked repaired")
	}
	if len(frag.Chapters) != 1 || frag.Chapters[0].Title != "One" {
		t.Fatalf("expected chapter One, got %+v", frag.Chapters)
	}
	paras := frag.Chapters[0].Sections[0].Paragraphs
	if len(paras) != 2 || paras[1] != "second para trunc" {
		t.Errorf("unexpected paragraphs %q", paras)
	}
}
