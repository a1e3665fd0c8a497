// Package index provides the keyword side of hybrid retrieval on bleve and
// fuses it with the store's semantic scores.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
)

// ErrUnsupported is returned when hybrid search cannot run, for example
// because no keyword index is configured.
var ErrUnsupported = errors.New("hybrid search unsupported")

// Entry is one child unit as seen by the keyword index.
type Entry struct {
	ID         string
	DocumentID string
	ParentID   string
	Chapter    string
	Section    string
	Text       string
}

// Hit is a keyword search result.
type Hit struct {
	ID    string
	Score float64
}

// Keyword is a bleve full-text index over child unit text.
type Keyword struct {
	index bleve.Index
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	unit := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	// Standard analyzer lowercases and tokenizes without stemming.
	text.Analyzer = standard.Name
	unit.AddFieldMappingsAt("text", text)
	unit.AddFieldMappingsAt("chapter", text)
	unit.AddFieldMappingsAt("section", text)

	kw := bleve.NewKeywordFieldMapping()
	unit.AddFieldMappingsAt("document_id", kw)
	unit.AddFieldMappingsAt("parent_id", kw)

	im.AddDocumentMapping("unit", unit)
	im.DefaultType = "unit"
	im.DefaultMapping = unit
	return im
}

// OpenKeyword opens the index at path, creating it when missing. An empty
// path gives an in-memory index.
func OpenKeyword(path string) (*Keyword, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("create memory index: %w", err)
		}
		return &Keyword{index: idx}, nil
	}
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open keyword index: %w", err)
		}
		return &Keyword{index: idx}, nil
	}
	idx, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	return &Keyword{index: idx}, nil
}

// Index adds entries in a single batch.
func (k *Keyword) Index(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := k.index.NewBatch()
	for _, e := range entries {
		doc := map[string]any{
			"document_id": e.DocumentID,
			"parent_id":   e.ParentID,
			"chapter":     e.Chapter,
			"section":     e.Section,
			"text":        e.Text,
		}
		if err := batch.Index(e.ID, doc); err != nil {
			return fmt.Errorf("batch index %s: %w", e.ID, err)
		}
	}
	if err := k.index.Batch(batch); err != nil {
		return fmt.Errorf("index batch: %w", err)
	}
	return nil
}

// DeleteDocument removes every entry of a document.
func (k *Keyword) DeleteDocument(ctx context.Context, documentID string) error {
	q := bleve.NewTermQuery(documentID)
	q.SetField("document_id")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req := bleve.NewSearchRequest(q)
		req.Size = 1000
		res, err := k.index.Search(req)
		if err != nil {
			return fmt.Errorf("find document entries: %w", err)
		}
		if len(res.Hits) == 0 {
			return nil
		}
		batch := k.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := k.index.Batch(batch); err != nil {
			return fmt.Errorf("delete document entries: %w", err)
		}
	}
}

// Search runs a match query over unit text restricted to the given
// document ids. An empty scope list matches nothing.
func (k *Keyword) Search(ctx context.Context, query string, scopes []string, limit int) ([]Hit, error) {
	if len(scopes) == 0 || limit <= 0 {
		return nil, nil
	}
	match := bleve.NewMatchQuery(query)
	match.SetField("text")

	scopeQueries := make([]blevequery.Query, 0, len(scopes))
	for _, s := range scopes {
		tq := bleve.NewTermQuery(s)
		tq.SetField("document_id")
		scopeQueries = append(scopeQueries, tq)
	}
	q := bleve.NewConjunctionQuery(match, bleve.NewDisjunctionQuery(scopeQueries...))

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	res, err := k.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	out := make([]Hit, len(res.Hits))
	for i, hit := range res.Hits {
		out[i] = Hit{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// Count returns the number of indexed entries.
func (k *Keyword) Count() (uint64, error) {
	return k.index.DocCount()
}

// Close closes the index.
func (k *Keyword) Close() error {
	return k.index.Close()
}
