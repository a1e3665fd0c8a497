// Package corrections keeps the feedback loop: users record what an answer
// got wrong, and similar later questions are answered with those fixes in
// view.
package corrections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/innerchild2401/arsfafe/internal/store"
)

const (
	// Limit is how many corrections accompany one answer.
	Limit = 3
	// Threshold is the minimum query similarity of a relevant correction.
	Threshold = 0.5
)

// ErrInvalid is returned for a correction missing required fields.
var ErrInvalid = errors.New("invalid correction")

type Store interface {
	InsertCorrection(ctx context.Context, c *store.Correction) error
	SearchCorrections(ctx context.Context, ownerID string, scopes []string, vec []float32, threshold float64, limit int) ([]store.Correction, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Service struct {
	store    Store
	embedder Embedder
	log      *slog.Logger
}

func New(st Store, embedder Embedder, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{store: st, embedder: embedder, log: log}
}

// Save validates and stores a correction, embedding its query. An embedding
// failure still stores the correction; it is then found only by recency.
func (s *Service) Save(ctx context.Context, c store.Correction) (store.Correction, error) {
	c.Query = strings.TrimSpace(c.Query)
	c.IncorrectText = strings.TrimSpace(c.IncorrectText)
	c.CorrectText = strings.TrimSpace(c.CorrectText)
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"user_id", c.OwnerID},
		{"query", c.Query},
		{"incorrect_text", c.IncorrectText},
		{"correct_text", c.CorrectText},
	} {
		if f.v == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return store.Correction{}, fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}

	c.ID = uuid.Must(uuid.NewV7()).String()
	c.Embedding = s.embed(ctx, c.Query)
	if err := s.store.InsertCorrection(ctx, &c); err != nil {
		return store.Correction{}, err
	}
	s.log.Info("correction saved", "correction_id", c.ID, "user_id", c.OwnerID, "doc_id", c.DocumentID)
	return c, nil
}

// Relevant returns up to Limit corrections of ownerID that apply to scopes,
// most similar to query first.
func (s *Service) Relevant(ctx context.Context, ownerID, query string, scopes []string) ([]store.Correction, error) {
	if ownerID == "" {
		return nil, nil
	}
	vec := s.embed(ctx, query)
	out, err := s.store.SearchCorrections(ctx, ownerID, scopes, vec, Threshold, Limit)
	if err != nil {
		return nil, fmt.Errorf("relevant corrections: %w", err)
	}
	return out, nil
}

func (s *Service) embed(ctx context.Context, text string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) != 1 || len(vecs[0]) == 0 {
		s.log.Warn("correction embedding failed", "error", err)
		return nil
	}
	return vecs[0]
}
