package llm

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Action tag kinds a section can carry.
const (
	TagFramework  = "framework"
	TagScript     = "script"
	TagDerivation = "derivation"
)

// MinTagConfidence is the confidence below which tags are discarded.
const MinTagConfidence = 0.5

// ActionTags marks a section as containing actionable methodology.
type ActionTags struct {
	Tags        []string `json:"tags"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description,omitempty"`
}

func parseLabels(raw string, n int) ([]string, error) {
	raw = stripCodeBlock(raw)

	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		var wrapped struct {
			Labels []string `json:"labels"`
		}
		if err2 := json.Unmarshal([]byte(raw), &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse labels: %w", err)
		}
		labels = wrapped.Labels
	}

	out := make([]string, 0, n)
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
		if len(out) == n {
			break
		}
	}
	return out, nil
}

func parseActionTags(raw string) (ActionTags, error) {
	var t ActionTags
	if err := json.Unmarshal([]byte(stripCodeBlock(raw)), &t); err != nil {
		return ActionTags{}, fmt.Errorf("parse action tags: %w", err)
	}
	if t.Confidence < MinTagConfidence {
		return ActionTags{}, nil
	}
	valid := t.Tags[:0]
	for _, tag := range t.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		switch tag {
		case TagFramework, TagScript, TagDerivation:
			if !slices.Contains(valid, tag) {
				valid = append(valid, tag)
			}
		}
	}
	if len(valid) == 0 {
		return ActionTags{}, nil
	}
	t.Tags = valid
	return t, nil
}
