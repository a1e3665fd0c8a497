package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/innerchild2401/arsfafe/internal/index"
	"github.com/innerchild2401/arsfafe/internal/llm"
	"github.com/innerchild2401/arsfafe/internal/segment"
	"github.com/innerchild2401/arsfafe/internal/source"
	"github.com/innerchild2401/arsfafe/internal/store"
	"github.com/innerchild2401/arsfafe/internal/telemetry"
)

const scopeName = "github.com/innerchild2401/arsfafe/internal/pipeline"

var (
	errNoText     = errors.New("no extractable text")
	errNoSections = errors.New("segmentation produced no sections")
)

// WorkerConfig controls one processing run.
type WorkerConfig struct {
	Segment              segment.Config
	PDFFallbackPdftotext bool
	EmbedBatchSize       int
	LabelCount           int
	SummarizeSections    bool
	TagActions           bool
}

// Worker processes a single document job.
type Worker struct {
	store    *store.Store
	index    KeywordIndex
	oracle   Oracle
	embedder llm.Embedder
	log      *slog.Logger
	cfg      WorkerConfig
	tracer   trace.Tracer
}

func NewWorker(st *store.Store, kw KeywordIndex, oracle Oracle, embedder llm.Embedder, log *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 100
	}
	return &Worker{
		store:    st,
		index:    kw,
		oracle:   oracle,
		embedder: embedder,
		log:      log,
		cfg:      cfg,
		tracer:   otel.Tracer(scopeName),
	}
}

// Process runs the full ingest pipeline for a job. The document ends in
// ready or error unless another run already owns it.
func (w *Worker) Process(ctx context.Context, job *Job) {
	a := job.Attempt()
	log := w.log.With("job_id", job.ID, "doc_id", a.DocumentID, "user_id", a.OwnerID, "retry", a.Retry)

	ctx, span := w.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("doc.id", a.DocumentID),
		attribute.Bool("doc.retry", a.Retry),
	))
	defer span.End()

	from := []store.Status{store.StatusUploaded}
	if a.Retry {
		// Retry already claimed the row; error covers a stuck expiry while queued.
		from = []store.Status{store.StatusProcessing, store.StatusError}
	}
	if err := w.store.Transition(ctx, a.DocumentID, from, store.StatusProcessing, ""); err != nil {
		log.Warn("document not claimable, skipping", "error", err)
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, "claim")
		span.SetStatus(codes.Error, err.Error())
		return
	}

	start := time.Now()
	status := string(store.StatusReady)
	if err := w.run(ctx, job, log); err != nil {
		status = string(store.StatusError)
		phase := job.Snapshot().Phase
		log.Error("processing failed", "phase", phase, "error", err)
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, phase)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, a.DocumentID, fmt.Sprintf("%s: %s", phase, err), log)
	} else {
		job.SetStatus(StatusCompleted, "done")
		log.Info("processing complete", "duration_ms", time.Since(start).Milliseconds())
	}
	telemetry.Get().Documents.Add(ctx, 1, metric.WithAttributes(telemetry.AttrStatus.String(status)))
}

// fail records the error on the document. It uses a detached context so a
// shutdown does not leave the document in processing.
func (w *Worker) fail(ctx context.Context, docID, message string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := w.store.Transition(ctx, docID, []store.Status{store.StatusProcessing}, store.StatusError, message)
	if err != nil {
		log.Error("mark document error failed", "error", err)
	}
}

func (w *Worker) run(ctx context.Context, job *Job, log *slog.Logger) error {
	a := job.Attempt()

	// Phase 1: clear prior units and extract the source text.
	job.SetStatus(StatusExtracting, "extracting")
	if err := w.store.DeleteUnits(ctx, a.DocumentID); err != nil {
		return err
	}
	if err := w.index.DeleteDocument(ctx, a.DocumentID); err != nil {
		return fmt.Errorf("clear keyword index: %w", err)
	}
	text, err := w.extract(ctx, a)
	if err != nil {
		return err
	}
	doc, err := w.store.GetDocument(ctx, a.DocumentID)
	if err != nil {
		return err
	}
	log.Info("source extracted", "bytes", len(text), "title", doc.Title)

	// Phase 2: segment with a heartbeat per window.
	job.SetStatus(StatusSegmenting, "segmenting")
	engine := segment.NewEngine(w.oracle, w.cfg.Segment, log)
	engine.OnWindow = func(cursor, total int) {
		job.SetCursor(cursor, total)
		w.heartbeat(ctx, a.DocumentID, log)
	}
	tree, report, err := engine.Run(ctx, segment.Source{
		DocumentID: a.DocumentID,
		Title:      doc.Title,
		Author:     doc.Author,
		Text:       text,
	})
	if err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	title := doc.Title
	if title == "" {
		title = tree.Title
	}
	if title == "" {
		title = source.BaseTitle(a.Filename)
	}
	if err := w.store.UpdateMetadata(ctx, a.DocumentID, title, tree.Author); err != nil {
		return err
	}

	// Phase 3: parent and child units.
	job.SetStatus(StatusMaterializing, "materializing")
	parents, err := w.materialize(ctx, job, a.DocumentID, title, tree, log)
	if err != nil {
		return err
	}

	// Phase 4: document summary.
	job.SetStatus(StatusSummarizing, "summarizing")
	w.summarize(ctx, a.DocumentID, title, parents, log)

	total, embedded, err := w.store.CountChildren(ctx, a.DocumentID)
	if err != nil {
		return err
	}
	stats := store.Stats{
		Chapters:         len(tree.Chapters),
		Parents:          len(parents),
		TotalChildren:    total,
		EmbeddedChildren: embedded,
		Windows:          report.Windows,
		SkippedWindows:   len(report.Skipped),
		ApproxTokens:     llm.EstimateTokens(text),
	}
	if err := w.store.SetStats(ctx, a.DocumentID, stats); err != nil {
		return err
	}
	return w.store.Transition(ctx, a.DocumentID, []store.Status{store.StatusProcessing}, store.StatusReady, "")
}

func (w *Worker) extract(ctx context.Context, a ProcessingAttempt) (string, error) {
	ex, err := source.ForFile(a.Filename, source.Options{PDFFallbackPdftotext: w.cfg.PDFFallbackPdftotext})
	if err != nil {
		return "", err
	}
	f, err := os.Open(a.StoragePath)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	doc, err := ex.Extract(f, a.Filename)
	if err != nil {
		return "", fmt.Errorf("extract: %w", err)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return "", errNoText
	}
	// A title derived from the filename is weaker than one the oracle finds.
	title := doc.Title
	if title == source.BaseTitle(a.Filename) {
		title = ""
	}
	if err := w.store.UpdateMetadata(ctx, a.DocumentID, title, doc.Author); err != nil {
		return "", err
	}
	return doc.Text, nil
}

// materialize stores one parent per non-empty section and one child per
// non-empty paragraph, embedding children batch by batch. A batch is
// committed only after its vectors line up with its texts.
func (w *Worker) materialize(ctx context.Context, job *Job, docID, title string, tree segment.Structure, log *slog.Logger) ([]store.Parent, error) {
	var parents []store.Parent
	var children []store.Child
	for _, ch := range tree.Chapters {
		for _, sec := range ch.Sections {
			paras := sec.NonEmpty()
			if len(paras) == 0 {
				continue
			}
			p := store.Parent{
				ID:         newID(),
				DocumentID: docID,
				Position:   len(parents),
				Chapter:    ch.Title,
				Section:    sec.Title,
				Text:       strings.Join(paras, "\n\n"),
			}
			w.annotate(ctx, &p, title, log)
			parents = append(parents, p)
			for i, para := range paras {
				children = append(children, store.Child{
					ID:         newID(),
					ParentID:   p.ID,
					DocumentID: docID,
					Ordinal:    i,
					Text:       para,
				})
			}
		}
	}
	if len(parents) == 0 {
		return nil, errNoSections
	}
	if err := w.store.InsertParents(ctx, parents); err != nil {
		return nil, err
	}
	job.SetUnits(len(parents), len(children))

	byID := make(map[string]store.Parent, len(parents))
	for _, p := range parents {
		byID[p.ID] = p
	}

	size := w.cfg.EmbedBatchSize
	for start := 0; start < len(children); start += size {
		batch := children[start:min(start+size, len(children))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := w.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embed batch at %d: %w: %d vectors for %d texts", start, llm.ErrOrderMismatch, len(vecs), len(batch))
		}
		entries := make([]index.Entry, len(batch))
		for i := range batch {
			batch[i].Embedding = vecs[i]
			p := byID[batch[i].ParentID]
			entries[i] = index.Entry{
				ID:         batch[i].ID,
				DocumentID: docID,
				ParentID:   p.ID,
				Chapter:    p.Chapter,
				Section:    p.Section,
				Text:       batch[i].Text,
			}
		}
		if err := w.store.InsertChildren(ctx, batch); err != nil {
			return nil, err
		}
		if err := w.index.Index(ctx, entries); err != nil {
			return nil, fmt.Errorf("keyword index: %w", err)
		}
		job.AddEmbedded(len(batch))
		w.heartbeat(ctx, docID, log)
	}
	log.Info("units materialized", "parents", len(parents), "children", len(children))
	return parents, nil
}

// annotate fills labels, summary and action tags. Oracle failures leave
// the fields empty.
func (w *Worker) annotate(ctx context.Context, p *store.Parent, title string, log *slog.Logger) {
	p.Labels = []string{}
	if w.cfg.LabelCount > 0 {
		labels, err := w.oracle.Label(ctx, p.Text, w.cfg.LabelCount)
		w.heartbeat(ctx, p.DocumentID, log)
		if err != nil {
			log.Warn("labeling failed", "section", p.Section, "error", err)
		} else {
			p.Labels = labels
		}
	}
	if w.cfg.SummarizeSections {
		summary, err := w.oracle.Summarize(ctx, p.Text, title)
		w.heartbeat(ctx, p.DocumentID, log)
		if err != nil {
			log.Warn("section summary failed", "section", p.Section, "error", err)
		} else {
			p.Summary = summary
		}
	}
	if w.cfg.TagActions {
		tags, err := w.oracle.Tag(ctx, p.Text)
		w.heartbeat(ctx, p.DocumentID, log)
		switch {
		case err != nil:
			log.Warn("action tagging failed", "section", p.Section, "error", err)
		case tags.Confidence >= llm.MinTagConfidence && len(tags.Tags) > 0:
			p.Tags = tags.Tags
			p.TagConfidence = tags.Confidence
		}
	}
}

func (w *Worker) summarize(ctx context.Context, docID, title string, parents []store.Parent, log *slog.Logger) {
	var summaries []string
	for _, p := range parents {
		if p.Summary != "" {
			summaries = append(summaries, p.Summary)
		}
	}
	if len(summaries) == 0 {
		return
	}
	summary, err := w.oracle.SummarizeDocument(ctx, summaries, title)
	w.heartbeat(ctx, docID, log)
	if err != nil {
		log.Warn("document summary failed", "error", err)
		return
	}
	if err := w.store.SetSummary(ctx, docID, summary); err != nil {
		log.Warn("store document summary failed", "error", err)
	}
}

// heartbeat keeps a long run from being expired as stuck. Every oracle
// and embedding round trip is followed by one.
func (w *Worker) heartbeat(ctx context.Context, docID string, log *slog.Logger) {
	if err := w.store.Touch(ctx, docID); err != nil {
		log.Warn("heartbeat failed", "error", err)
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
