package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// correctionCandidates bounds how many recent corrections are scored.
const correctionCandidates = 50

// InsertCorrection stores a correction. CreatedAt is set from the store clock.
func (s *Store) InsertCorrection(ctx context.Context, c *Correction) error {
	now := s.stamp()
	var emb *string
	if len(c.Embedding) > 0 {
		v := serializeEmbedding(c.Embedding)
		emb = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO corrections (id, owner_id, document_id, child_id, query, response,
		   incorrect_text, correct_text, feedback, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.DocumentID, c.ChildID, c.Query, c.Response,
		c.IncorrectText, c.CorrectText, c.Feedback, emb, now)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	c.CreatedAt = time.UnixMilli(now).UTC()
	s.log.Debug("correction stored", "correction_id", c.ID, "owner", c.OwnerID)
	return nil
}

// SearchCorrections returns the owner's corrections that apply to scopes,
// either bound to one of them or to no document. With a query vector the
// most recent candidates are ranked by cosine similarity and those below
// threshold dropped; without one the newest are returned.
func (s *Store) SearchCorrections(ctx context.Context, ownerID string, scopes []string, vec []float32, threshold float64, limit int) ([]Correction, error) {
	where := ` AND document_id = ''`
	args := []any{ownerID}
	if len(scopes) > 0 {
		where = ` AND (document_id = '' OR document_id IN (` + placeholders(len(scopes)) + `))`
		args = append(args, stringArgs(scopes)...)
	}
	args = append(args, correctionCandidates)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, document_id, child_id, query, response, incorrect_text,
		        correct_text, feedback, embedding, created_at
		 FROM corrections WHERE owner_id = ?`+where+`
		 ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search corrections: %w", err)
	}
	defer rows.Close()

	type scored struct {
		c     Correction
		score float64
	}
	var out []scored
	for rows.Next() {
		var c Correction
		var emb sql.NullString
		var created int64
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.DocumentID, &c.ChildID, &c.Query, &c.Response,
			&c.IncorrectText, &c.CorrectText, &c.Feedback, &emb, &created); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		c.CreatedAt = time.UnixMilli(created).UTC()
		if vec == nil {
			out = append(out, scored{c: c})
			continue
		}
		if !emb.Valid {
			continue
		}
		stored, err := deserializeEmbedding(emb.String)
		if err != nil {
			continue
		}
		score := cosineSimilarity(vec, stored)
		if score < threshold {
			continue
		}
		c.Embedding = stored
		out = append(out, scored{c: c, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate corrections: %w", err)
	}

	if vec != nil {
		sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	corrections := make([]Correction, len(out))
	for i, sc := range out {
		corrections[i] = sc.c
	}
	return corrections, nil
}
