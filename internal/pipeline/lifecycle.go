package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/innerchild2401/arsfafe/internal/source"
	"github.com/innerchild2401/arsfafe/internal/store"
)

var (
	ErrNotOwner          = errors.New("not the document owner")
	ErrNotRetryable      = errors.New("document is not retryable")
	ErrQueueFull         = errors.New("processing queue is full")
	ErrBusy              = errors.New("document is processing")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrEmptyUpload       = errors.New("empty upload")
	ErrOwnerRequired     = errors.New("owner is required")
)

// ProcessingAttempt is everything a worker needs to process a document
// once. It is passed by value from the request that scheduled it.
type ProcessingAttempt struct {
	DocumentID  string
	OwnerID     string
	StoragePath string
	Filename    string
	Retry       bool
}

func attemptFor(d store.Document, retry bool) ProcessingAttempt {
	return ProcessingAttempt{
		DocumentID:  d.ID,
		OwnerID:     d.OwnerID,
		StoragePath: d.StoragePath,
		Filename:    d.Filename,
		Retry:       retry,
	}
}

// Upload is a new book submitted by an owner.
type Upload struct {
	OwnerID  string
	Filename string
	Title    string
	Author   string
	Data     []byte
}

// IngestResult describes what Ingest did with an upload.
type IngestResult struct {
	Document  store.Document
	Duplicate bool
	JobID     string
}

// Ingest stores an upload, creates its document record and schedules
// processing. An identical upload by the same owner returns the existing
// document; if that document is in error it is retried instead.
func (o *Orchestrator) Ingest(ctx context.Context, up Upload) (IngestResult, error) {
	if up.OwnerID == "" {
		return IngestResult{}, ErrOwnerRequired
	}
	if !source.IsSupported(up.Filename) {
		return IngestResult{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(up.Filename))
	}
	if len(up.Data) == 0 {
		return IngestResult{}, ErrEmptyUpload
	}

	hash := ContentHashHex(up.Data)
	existing, err := o.store.FindByHash(ctx, up.OwnerID, hash)
	switch {
	case err == nil:
		if err := o.checkStuck(ctx, &existing); err != nil {
			return IngestResult{}, err
		}
		if existing.Status != store.StatusError {
			o.log.Info("duplicate upload", "doc_id", existing.ID, "user_id", up.OwnerID)
			return IngestResult{Document: existing, Duplicate: true}, nil
		}
		job, err := o.Retry(ctx, existing.ID, up.OwnerID)
		res := IngestResult{Duplicate: true}
		if job != nil {
			res.JobID = job.ID
		}
		res.Document, _ = o.store.GetDocument(ctx, existing.ID)
		return res, err
	case !errors.Is(err, store.ErrNotFound):
		return IngestResult{}, err
	}

	id := uuid.Must(uuid.NewV7()).String()
	name := safeFilename(up.Filename)
	dir := filepath.Join(o.cfg.UploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return IngestResult{}, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, up.Data, 0o644); err != nil {
		os.RemoveAll(dir) //nolint:errcheck
		return IngestResult{}, fmt.Errorf("save upload: %w", err)
	}

	doc := &store.Document{
		ID:          id,
		OwnerID:     up.OwnerID,
		Title:       strings.TrimSpace(up.Title),
		Author:      strings.TrimSpace(up.Author),
		Filename:    name,
		StoragePath: path,
		ContentHash: hash,
		Status:      store.StatusUploaded,
	}
	if err := o.store.CreateDocument(ctx, doc); err != nil {
		os.RemoveAll(dir) //nolint:errcheck
		return IngestResult{}, err
	}

	job := NewJob(attemptFor(*doc, false))
	res := IngestResult{Document: *doc, JobID: job.ID}
	if err := o.Submit(ctx, job); err != nil {
		res.Document, _ = o.store.GetDocument(ctx, id)
		return res, err
	}
	o.log.Info("document queued", "doc_id", id, "user_id", up.OwnerID, "job_id", job.ID, "bytes", len(up.Data))
	return res, nil
}

// Retry reprocesses a document in error. Only the owner may retry, and a
// stuck document is expired first so it becomes retryable.
func (o *Orchestrator) Retry(ctx context.Context, docID, ownerID string) (*Job, error) {
	d, err := o.owned(ctx, docID, ownerID)
	if err != nil {
		return nil, err
	}
	if d.Status != store.StatusError {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, d.Status)
	}
	err = o.store.Transition(ctx, docID, []store.Status{store.StatusError}, store.StatusProcessing, "")
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrNotRetryable, err)
	}
	if err != nil {
		return nil, err
	}

	job := NewJob(attemptFor(d, true))
	if err := o.Submit(ctx, job); err != nil {
		return job, err
	}
	o.log.Info("document retry queued", "doc_id", docID, "user_id", ownerID, "job_id", job.ID)
	return job, nil
}

// Status returns the owner's document after the stuck check.
func (o *Orchestrator) Status(ctx context.Context, docID, ownerID string) (store.Document, error) {
	return o.owned(ctx, docID, ownerID)
}

// List returns the owner's documents after the stuck check.
func (o *Orchestrator) List(ctx context.Context, ownerID string) ([]store.Document, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	docs, err := o.store.ListDocuments(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if err := o.checkStuck(ctx, &docs[i]); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// Units lists the parent units of the owner's document.
func (o *Orchestrator) Units(ctx context.Context, docID, ownerID string) ([]store.ParentListing, error) {
	if _, err := o.owned(ctx, docID, ownerID); err != nil {
		return nil, err
	}
	return o.store.ListParents(ctx, docID)
}

// Delete removes a document, its units, its keyword entries and the stored
// upload. A document that is still processing cannot be deleted.
func (o *Orchestrator) Delete(ctx context.Context, docID, ownerID string) error {
	d, err := o.owned(ctx, docID, ownerID)
	if err != nil {
		return err
	}
	if d.Status == store.StatusProcessing {
		return ErrBusy
	}
	if err := o.index.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("clear keyword index: %w", err)
	}
	if err := o.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if d.StoragePath != "" {
		dir := filepath.Dir(d.StoragePath)
		if filepath.Base(dir) == docID {
			if err := os.RemoveAll(dir); err != nil {
				o.log.Warn("remove upload failed", "doc_id", docID, "error", err)
			}
		}
	}
	o.log.Info("document deleted", "doc_id", docID, "user_id", ownerID)
	return nil
}

// owned loads a document, verifies the owner and applies the stuck check.
func (o *Orchestrator) owned(ctx context.Context, docID, ownerID string) (store.Document, error) {
	if ownerID == "" {
		return store.Document{}, ErrOwnerRequired
	}
	d, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	if d.OwnerID != ownerID {
		return store.Document{}, ErrNotOwner
	}
	if err := o.checkStuck(ctx, &d); err != nil {
		return store.Document{}, err
	}
	return d, nil
}

// checkStuck expires a processing document that has produced no child
// units within the staleness window and reloads it.
func (o *Orchestrator) checkStuck(ctx context.Context, d *store.Document) error {
	if d.Status != store.StatusProcessing {
		return nil
	}
	msg := fmt.Sprintf("processing stalled: no units after %s", o.cfg.StaleProcessingAfter)
	expired, err := o.store.ExpireStuck(ctx, d.ID, o.cfg.StaleProcessingAfter, msg)
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}
	fresh, err := o.store.GetDocument(ctx, d.ID)
	if err != nil {
		return err
	}
	*d = fresh
	return nil
}

func safeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "upload"
	}
	return name
}
