package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const documentColumns = `id, owner_id, title, author, filename, storage_path, content_hash,
	status, error_message, summary, stats, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var status, stats string
	var created, updated int64
	err := row.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Author, &d.Filename, &d.StoragePath,
		&d.ContentHash, &status, &d.ErrorMessage, &d.Summary, &stats, &created, &updated)
	if err != nil {
		return Document{}, err
	}
	d.Status = Status(status)
	_ = json.Unmarshal([]byte(stats), &d.Stats)
	d.CreatedAt = time.UnixMilli(created).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return d, nil
}

// CreateDocument inserts a new document record. CreatedAt and UpdatedAt
// are set from the store clock.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	now := s.stamp()
	if d.Status == "" {
		d.Status = StatusUploaded
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Title, d.Author, d.Filename, d.StoragePath, d.ContentHash,
		string(d.Status), d.ErrorMessage, d.Summary, marshalJSON(d.Stats), now, now,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	d.CreatedAt = time.UnixMilli(now).UTC()
	d.UpdatedAt = d.CreatedAt
	s.log.Debug("document created", "doc_id", d.ID, "owner", d.OwnerID)
	return nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// FindByHash returns the owner's most recent document with the given
// content hash.
func (s *Store) FindByHash(ctx context.Context, ownerID, hash string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE owner_id = ? AND content_hash = ?
		 ORDER BY created_at DESC LIMIT 1`, ownerID, hash)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("find by hash: %w", err)
	}
	return d, nil
}

// ListDocuments returns the owner's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Transition moves a document to status `to` if its current status is one
// of `from`. message is stored as the error message (cleared when empty).
// Returns ErrConflict when the precondition did not hold.
func (s *Store) Transition(ctx context.Context, id string, from []Status, to Status, message string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition %s: no source states", id)
	}
	args := []any{string(to), message, s.stamp(), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("transition document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s to %s: %w", id, to, ErrConflict)
	}
	s.log.Debug("document transitioned", "doc_id", id, "to", to)
	return nil
}

// Touch refreshes updated_at of a processing document. Workers call it as
// a heartbeat so long segmentation runs are not mistaken for stuck ones.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET updated_at = ? WHERE id = ? AND status = ?`,
		s.stamp(), id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("touch document: %w", err)
	}
	return nil
}

// ExpireStuck moves a processing document with no child units and no
// update within olderThan to error. It reports whether the row changed.
func (s *Store) ExpireStuck(ctx context.Context, id string, olderThan time.Duration, message string) (bool, error) {
	now := s.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND updated_at < ?
		   AND NOT EXISTS (SELECT 1 FROM child_units WHERE document_id = ?)`,
		string(StatusError), message, now.UnixMilli(), id, string(StatusProcessing), cutoff, id)
	if err != nil {
		return false, fmt.Errorf("expire stuck document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire stuck document: %w", err)
	}
	if n > 0 {
		s.log.Warn("stuck document expired", "doc_id", id, "older_than", olderThan)
	}
	return n > 0, nil
}

// UpdateMetadata fills in title and author, leaving non-empty values as
// they are.
func (s *Store) UpdateMetadata(ctx context.Context, id, title, author string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET
		   title = CASE WHEN title = '' THEN ? ELSE title END,
		   author = CASE WHEN author = '' THEN ? ELSE author END
		 WHERE id = ?`, title, author, id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

// SetSummary stores the document-level summary.
func (s *Store) SetSummary(ctx context.Context, id, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return fmt.Errorf("set summary: %w", err)
	}
	return nil
}

// SetStats stores processing statistics.
func (s *Store) SetStats(ctx context.Context, id string, stats Stats) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET stats = ? WHERE id = ?`, marshalJSON(stats), id)
	if err != nil {
		return fmt.Errorf("set stats: %w", err)
	}
	return nil
}

// DeleteDocument removes a document and all of its units.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := deleteUnitsTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM corrections WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete corrections: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.log.Debug("document deleted", "doc_id", id)
	return nil
}
