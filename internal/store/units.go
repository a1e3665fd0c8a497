package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

func deleteUnitsTx(ctx context.Context, tx *sql.Tx, documentID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM child_units WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete child units: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM parent_units WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete parent units: %w", err)
	}
	return nil
}

// DeleteUnits removes every parent and child unit of a document.
func (s *Store) DeleteUnits(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := deleteUnitsTx(ctx, tx, documentID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("units deleted", "doc_id", documentID)
	return nil
}

// InsertParents stores parent units in one transaction.
func (s *Store) InsertParents(ctx context.Context, parents []Parent) error {
	if len(parents) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range parents {
		labels := p.Labels
		if labels == nil {
			labels = []string{}
		}
		tags := p.Tags
		if tags == nil {
			tags = []string{}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO parent_units (id, document_id, position, chapter, section, text, labels, summary, tags, tag_confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.DocumentID, p.Position, p.Chapter, p.Section, p.Text,
			marshalJSON(labels), p.Summary, marshalJSON(tags), p.TagConfidence)
		if err != nil {
			return fmt.Errorf("insert parent unit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InsertChildren stores child units in one transaction; either the whole
// batch is committed or none of it.
func (s *Store) InsertChildren(ctx context.Context, children []Child) error {
	if len(children) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range children {
		var emb *string
		if len(c.Embedding) > 0 {
			v := serializeEmbedding(c.Embedding)
			emb = &v
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO child_units (id, parent_id, document_id, ordinal, text, embedding)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.ParentID, c.DocumentID, c.Ordinal, c.Text, emb)
		if err != nil {
			return fmt.Errorf("insert child unit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("children inserted", "count", len(children), "duration", time.Since(start))
	return nil
}

const parentColumns = `id, document_id, position, chapter, section, text, labels, summary, tags, tag_confidence`

func scanParent(row rowScanner) (Parent, error) {
	var p Parent
	var labels, tags string
	if err := row.Scan(&p.ID, &p.DocumentID, &p.Position, &p.Chapter, &p.Section, &p.Text,
		&labels, &p.Summary, &tags, &p.TagConfidence); err != nil {
		return Parent{}, err
	}
	_ = json.Unmarshal([]byte(labels), &p.Labels)
	_ = json.Unmarshal([]byte(tags), &p.Tags)
	return p, nil
}

// GetParents fetches parent units by id in a single query. Missing ids
// are absent from the map.
func (s *Store) GetParents(ctx context.Context, ids []string) (map[string]Parent, error) {
	out := make(map[string]Parent, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+parentColumns+` FROM parent_units WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get parents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanParent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan parent: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// ListParents returns a document's parents in document order with child
// counts.
func (s *Store) ListParents(ctx context.Context, documentID string) ([]ParentListing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.document_id, p.position, p.chapter, p.section, p.text, p.labels, p.summary, p.tags, p.tag_confidence,
		        (SELECT COUNT(*) FROM child_units c WHERE c.parent_id = p.id)
		 FROM parent_units p WHERE p.document_id = ? ORDER BY p.position`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list parents: %w", err)
	}
	defer rows.Close()

	var out []ParentListing
	for rows.Next() {
		var pl ParentListing
		var labels, tags string
		if err := rows.Scan(&pl.ID, &pl.DocumentID, &pl.Position, &pl.Chapter, &pl.Section, &pl.Text,
			&labels, &pl.Summary, &tags, &pl.TagConfidence, &pl.Children); err != nil {
			return nil, fmt.Errorf("scan parent: %w", err)
		}
		_ = json.Unmarshal([]byte(labels), &pl.Labels)
		_ = json.Unmarshal([]byte(tags), &pl.Tags)
		out = append(out, pl)
	}
	return out, rows.Err()
}

// GetChildren fetches child units by id, preserving the order of ids.
func (s *Store) GetChildren(ctx context.Context, ids []string) ([]Child, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, document_id, ordinal, text, embedding FROM child_units WHERE id IN (`+placeholders(len(ids))+`)`,
		stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get children: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Child, len(ids))
	for rows.Next() {
		var c Child
		var emb sql.NullString
		if err := rows.Scan(&c.ID, &c.ParentID, &c.DocumentID, &c.Ordinal, &c.Text, &emb); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		if emb.Valid {
			if c.Embedding, err = deserializeEmbedding(emb.String); err != nil {
				return nil, fmt.Errorf("decode embedding of %s: %w", c.ID, err)
			}
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Child, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// SearchSemantic scores every embedded child in scope against vec and
// returns those at or above threshold, best first, at most limit.
func (s *Store) SearchSemantic(ctx context.Context, vec []float32, scopes []string, threshold float64, limit int) ([]ScoredChild, error) {
	start := time.Now()
	where, args := scopeClause("document_id", scopes)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, document_id, ordinal, text, embedding FROM child_units
		 WHERE embedding IS NOT NULL`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("search semantic: %w", err)
	}
	defer rows.Close()

	var results []ScoredChild
	scanned := 0
	for rows.Next() {
		var c Child
		var emb string
		if err := rows.Scan(&c.ID, &c.ParentID, &c.DocumentID, &c.Ordinal, &c.Text, &emb); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		scanned++
		stored, err := deserializeEmbedding(emb)
		if err != nil {
			continue
		}
		score := cosineSimilarity(vec, stored)
		if score < threshold {
			continue
		}
		results = append(results, ScoredChild{Child: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	s.log.Debug("semantic search", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// ListChildren returns children in scope without ranking. Embedded
// children come first, then document order.
func (s *Store) ListChildren(ctx context.Context, scopes []string, limit int) ([]Child, error) {
	where, args := scopeClause("c.document_id", scopes)
	query := `SELECT c.id, c.parent_id, c.document_id, c.ordinal, c.text
		 FROM child_units c JOIN parent_units p ON p.id = c.parent_id
		 WHERE 1 = 1` + where + `
		 ORDER BY (c.embedding IS NULL), c.document_id, p.position, c.ordinal`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []Child
	for rows.Next() {
		var c Child
		if err := rows.Scan(&c.ID, &c.ParentID, &c.DocumentID, &c.Ordinal, &c.Text); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountChildren returns the number of child units of a document and how
// many of them carry an embedding.
func (s *Store) CountChildren(ctx context.Context, documentID string) (total, embedded int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(embedding) FROM child_units WHERE document_id = ?`, documentID,
	).Scan(&total, &embedded)
	if err != nil {
		return 0, 0, fmt.Errorf("count children: %w", err)
	}
	return total, embedded, nil
}
