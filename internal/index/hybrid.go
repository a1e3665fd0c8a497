package index

import (
	"context"
	"sort"
	"strings"

	"github.com/innerchild2401/arsfafe/internal/store"
)

// KeywordSearcher is the keyword side of hybrid search.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, scopes []string, limit int) ([]Hit, error)
}

// SemanticSearcher is the vector side of hybrid search.
type SemanticSearcher interface {
	SearchSemantic(ctx context.Context, vec []float32, scopes []string, threshold float64, limit int) ([]store.ScoredChild, error)
}

// Query is a hybrid search request. Augment terms are appended to the
// keyword query only.
type Query struct {
	Text      string
	Vector    []float32
	Scopes    []string
	Threshold float64
	Limit     int
	Augment   []string
}

// Hybrid fuses keyword and semantic scores. Candidates must clear the
// semantic threshold; ranking uses the weighted sum of the semantic score
// and the max-normalized keyword score.
type Hybrid struct {
	keyword        KeywordSearcher
	semantic       SemanticSearcher
	keywordWeight  float64
	semanticWeight float64
}

// NewHybrid builds a Hybrid. A nil keyword searcher makes every search
// return ErrUnsupported.
func NewHybrid(kw KeywordSearcher, sem SemanticSearcher, keywordWeight, semanticWeight float64) *Hybrid {
	if keywordWeight < 0 || semanticWeight <= 0 {
		keywordWeight, semanticWeight = 0.3, 0.7
	}
	return &Hybrid{keyword: kw, semantic: sem, keywordWeight: keywordWeight, semanticWeight: semanticWeight}
}

// candidateFactor widens each side's fetch so fusion can reorder.
const candidateFactor = 4

func (h *Hybrid) Search(ctx context.Context, q Query) ([]store.ScoredChild, error) {
	if h.keyword == nil || h.semantic == nil {
		return nil, ErrUnsupported
	}
	if len(q.Vector) == 0 {
		return nil, ErrUnsupported
	}
	fetch := q.Limit * candidateFactor
	if fetch < 20 {
		fetch = 20
	}

	semantic, err := h.semantic.SearchSemantic(ctx, q.Vector, q.Scopes, q.Threshold, fetch)
	if err != nil {
		return nil, err
	}
	if len(semantic) == 0 {
		return nil, nil
	}

	text := q.Text
	if len(q.Augment) > 0 {
		text += " " + strings.Join(q.Augment, " ")
	}
	hits, err := h.keyword.Search(ctx, text, q.Scopes, fetch)
	if err != nil {
		return nil, err
	}
	kw := NormalizeKeywordScores(hits)

	out := make([]store.ScoredChild, len(semantic))
	for i, sc := range semantic {
		sc.Score = h.semanticWeight*sc.Score + h.keywordWeight*kw[sc.ID]
		out[i] = sc
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(hits []Hit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	var maxScore float64
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	for _, h := range hits {
		if maxScore > 0 {
			out[h.ID] = h.Score / maxScore
		} else {
			out[h.ID] = 0
		}
	}
	return out
}
