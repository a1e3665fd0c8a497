package index

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/innerchild2401/arsfafe/internal/store"
)

type stubKeyword struct {
	hits  []Hit
	query string
}

func (s *stubKeyword) Search(ctx context.Context, query string, scopes []string, limit int) ([]Hit, error) {
	s.query = query
	return s.hits, nil
}

type stubSemantic struct {
	results   []store.ScoredChild
	threshold float64
}

func (s *stubSemantic) SearchSemantic(ctx context.Context, vec []float32, scopes []string, threshold float64, limit int) ([]store.ScoredChild, error) {
	s.threshold = threshold
	var out []store.ScoredChild
	for _, r := range s.results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out, nil
}

func scored(id string, score float64) store.ScoredChild {
	return store.ScoredChild{Child: store.Child{ID: id}, Score: score}
}

func TestHybridFusesScores(t *testing.T) {
	sem := &stubSemantic{results: []store.ScoredChild{scored("a", 0.9), scored("b", 0.8), scored("c", 0.5)}}
	kw := &stubKeyword{hits: []Hit{{ID: "b", Score: 4}, {ID: "c", Score: 2}}}
	h := NewHybrid(kw, sem, 0.3, 0.7)

	got, err := h.Search(context.Background(), Query{Text: "q", Vector: []float32{1}, Scopes: []string{"d"}, Threshold: 0.6, Limit: 5, Augment: []string{"steps", "procedure"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if sem.threshold != 0.6 {
		t.Errorf("threshold not forwarded: %v", sem.threshold)
	}
	if kw.query != "q steps procedure" {
		t.Errorf("augment terms not appended: %q", kw.query)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results above threshold, got %d", len(got))
	}
	// b: 0.7*0.8 + 0.3*1.0 = 0.86; a: 0.7*0.9 = 0.63
	if got[0].ID != "b" || math.Abs(got[0].Score-0.86) > 1e-9 {
		t.Errorf("unexpected first result %+v", got[0])
	}
	if got[1].ID != "a" || math.Abs(got[1].Score-0.63) > 1e-9 {
		t.Errorf("unexpected second result %+v", got[1])
	}
}

func TestHybridUnsupported(t *testing.T) {
	h := NewHybrid(nil, &stubSemantic{}, 0.3, 0.7)
	if _, err := h.Search(context.Background(), Query{Vector: []float32{1}}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported without keyword index, got %v", err)
	}
	h = NewHybrid(&stubKeyword{}, &stubSemantic{}, 0.3, 0.7)
	if _, err := h.Search(context.Background(), Query{}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported without vector, got %v", err)
	}
}

func TestHybridLimit(t *testing.T) {
	sem := &stubSemantic{results: []store.ScoredChild{scored("a", 0.9), scored("b", 0.8), scored("c", 0.7)}}
	h := NewHybrid(&stubKeyword{}, sem, 0.3, 0.7)
	got, _ := h.Search(context.Background(), Query{Vector: []float32{1}, Limit: 2})
	if len(got) != 2 || got[0].ID != "a" {
		t.Errorf("unexpected results %+v", got)
	}
}

func TestNormalizeKeywordScores(t *testing.T) {
	got := NormalizeKeywordScores([]Hit{{ID: "x", Score: 2}, {ID: "y", Score: 1}})
	if got["x"] != 1 || got["y"] != 0.5 {
		t.Errorf("unexpected normalization %v", got)
	}
	if len(NormalizeKeywordScores(nil)) != 0 {
		t.Error("expected empty map")
	}
}
