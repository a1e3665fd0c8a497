package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/innerchild2401/arsfafe/internal/config"
	"github.com/innerchild2401/arsfafe/internal/index"
	"github.com/innerchild2401/arsfafe/internal/llm"
	"github.com/innerchild2401/arsfafe/internal/segment"
	"github.com/innerchild2401/arsfafe/internal/store"
)

const bookText = `Opening paragraph about habits.

Second paragraph about cues.

Third paragraph about rewards.`

type fakeOracle struct {
	mu         sync.Mutex
	structure  string
	structErr  error
	labelErr   error
	structures int
	labels     int
	summaries  int
	docSummary int
	tags       llm.ActionTags
	onLabel    func()
}

func (o *fakeOracle) Structure(ctx context.Context, req segment.Request) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.structures++
	return o.structure, o.structErr
}

func (o *fakeOracle) Label(ctx context.Context, text string, n int) ([]string, error) {
	if o.onLabel != nil {
		o.onLabel()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.labels++
	if o.labelErr != nil {
		return nil, o.labelErr
	}
	return []string{"habits", "cues"}, nil
}

func (o *fakeOracle) Summarize(ctx context.Context, text, title string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries++
	return "summary of " + strings.SplitN(text, "\n", 2)[0], nil
}

func (o *fakeOracle) SummarizeDocument(ctx context.Context, summaries []string, title string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.docSummary++
	return "A book about habits.", nil
}

func (o *fakeOracle) Tag(ctx context.Context, text string) (llm.ActionTags, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tags, nil
}

// shortEmbedder drops the last vector of every batch.
type shortEmbedder struct{ llm.MockEmbedder }

func (e *shortEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.MockEmbedder.Embed(ctx, texts)
	if err != nil || len(vecs) == 0 {
		return vecs, err
	}
	return vecs[:len(vecs)-1], nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func structureJSON(t *testing.T, sections int) string {
	t.Helper()
	var secs []segment.Section
	for i := range sections {
		title := string(rune('A' + i))
		secs = append(secs, segment.Section{
			Title:      "Section " + title,
			Paragraphs: []string{"First paragraph of " + title + ".", "  ", "Second paragraph of " + title + "."},
		})
	}
	data, err := json.Marshal(map[string]any{
		"document": map[string]any{
			"title":    "Atomic Routines",
			"author":   "J. Writer",
			"chapters": []segment.Chapter{{Title: "Chapter 1", Sections: secs}},
		},
		"stopped_early": false,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

type harness struct {
	store    *store.Store
	index    *index.Keyword
	oracle   *fakeOracle
	clock    *fakeClock
	cfg      config.Config
	orch     *Orchestrator
	embedder llm.Embedder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	kw, err := index.OpenKeyword("")
	if err != nil {
		t.Fatalf("OpenKeyword: %v", err)
	}
	t.Cleanup(func() { kw.Close() })

	h := &harness{
		store:    st,
		index:    kw,
		oracle:   &fakeOracle{structure: structureJSON(t, 3)},
		clock:    clock,
		embedder: llm.NewMockEmbedder(8),
		cfg: config.Config{
			UploadDir:            filepath.Join(dir, "uploads"),
			WorkerCount:          1,
			MaxQueueSize:         4,
			JobTTL:               time.Hour,
			StaleProcessingAfter: 2 * time.Minute,
			EmbedBatchSize:       4,
			WindowSize:           40000,
			WindowRetries:        1,
			LabelCount:           3,
			SummarizeSections:    true,
			TagActions:           true,
		},
	}
	h.orch = NewOrchestrator(h.cfg, st, kw, h.oracle, h.embedder, discardLogger())
	return h
}

func (h *harness) worker() *Worker {
	return NewWorker(h.store, h.index, h.oracle, h.embedder, discardLogger(), workerConfig(h.cfg))
}

// upload stores a document without queueing it.
func (h *harness) upload(t *testing.T, owner string) store.Document {
	t.Helper()
	res, err := h.orch.Ingest(context.Background(), Upload{OwnerID: owner, Filename: "book.txt", Data: []byte(bookText + owner)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	// Drain the queued job so tests drive the worker directly.
	<-h.orch.queue
	return res.Document
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorker_CleanIngestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")

	job := NewJob(attemptFor(doc, false))
	h.worker().Process(ctx, job)

	got, err := h.store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusReady {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.Title != "Atomic Routines" || got.Author != "J. Writer" {
		t.Errorf("metadata = %q / %q", got.Title, got.Author)
	}
	if got.Summary != "A book about habits." {
		t.Errorf("summary = %q", got.Summary)
	}
	want := store.Stats{Chapters: 1, Parents: 3, TotalChildren: 6, EmbeddedChildren: 6, Windows: 1, ApproxTokens: llm.EstimateTokens(bookText + "u1")}
	if got.Stats != want {
		t.Errorf("stats = %+v, want %+v", got.Stats, want)
	}

	parents, err := h.store.ListParents(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(parents) != 3 {
		t.Fatalf("parents = %d", len(parents))
	}
	for i, p := range parents {
		if p.Position != i || p.Children != 2 {
			t.Errorf("parent %d: position %d children %d", i, p.Position, p.Children)
		}
		if !strings.Contains(p.Text, "\n\n") {
			t.Errorf("parent text not joined by blank line: %q", p.Text)
		}
		if len(p.Labels) != 2 || p.Summary == "" {
			t.Errorf("parent %d not annotated: %+v", i, p.Parent)
		}
	}

	snap := job.Snapshot()
	if snap.Status != StatusCompleted || snap.Progress.Embedded != 6 || snap.Progress.Windows != 1 {
		t.Errorf("job snapshot = %+v", snap)
	}
	n, err := h.index.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("keyword index has %d entries, want 6", n)
	}
}

func TestWorker_ChildOrdinalsAreContiguous(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	parents, err := h.store.ListParents(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	hits, err := h.index.Search(ctx, "paragraph", []string{doc.ID}, 10)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, hit := range hits {
		ids = append(ids, hit.ID)
	}
	children, err := h.store.GetChildren(ctx, ids)
	if err != nil {
		t.Fatal(err)
	}
	ordinals := map[string][]bool{}
	for _, c := range children {
		if len(c.Embedding) != 8 {
			t.Errorf("child %s embedding len %d", c.ID, len(c.Embedding))
		}
		seen := ordinals[c.ParentID]
		for len(seen) <= c.Ordinal {
			seen = append(seen, false)
		}
		seen[c.Ordinal] = true
		ordinals[c.ParentID] = seen
	}
	for _, p := range parents {
		seen := ordinals[p.ID]
		if len(seen) != 2 || !seen[0] || !seen[1] {
			t.Errorf("parent %s ordinals %v", p.ID, seen)
		}
	}
}

func TestWorker_ReprocessingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	// Simulate a later failure and owner retry.
	if err := h.store.Transition(ctx, doc.ID, []store.Status{store.StatusReady}, store.StatusError, "boom"); err != nil {
		t.Fatal(err)
	}
	job, err := h.orch.Retry(ctx, doc.ID, "u1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	<-h.orch.queue
	h.worker().Process(ctx, job)

	got, _ := h.store.GetDocument(ctx, doc.ID)
	if got.Status != store.StatusReady {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	total, _, err := h.store.CountChildren(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Errorf("children after reprocessing = %d, want 6", total)
	}
	parents, _ := h.store.ListParents(ctx, doc.ID)
	if len(parents) != 3 {
		t.Errorf("parents after reprocessing = %d, want 3", len(parents))
	}
	if n, _ := h.index.Count(); n != 6 {
		t.Errorf("keyword entries after reprocessing = %d, want 6", n)
	}
}

func TestWorker_OrderMismatchIsFatal(t *testing.T) {
	h := newHarness(t)
	h.embedder = &shortEmbedder{MockEmbedder: *llm.NewMockEmbedder(8)}
	ctx := context.Background()
	doc := h.upload(t, "u1")

	job := NewJob(attemptFor(doc, false))
	h.worker().Process(ctx, job)

	got, _ := h.store.GetDocument(ctx, doc.ID)
	if got.Status != store.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, llm.ErrOrderMismatch.Error()) {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	total, _, _ := h.store.CountChildren(ctx, doc.ID)
	if total != 0 {
		t.Errorf("children committed from failing batch: %d", total)
	}
	if job.Snapshot().Status != StatusFailed {
		t.Errorf("job status = %s", job.Snapshot().Status)
	}
}

func TestWorker_LabelFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.oracle.labelErr = errors.New("labeler down")
	ctx := context.Background()
	doc := h.upload(t, "u1")
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	got, _ := h.store.GetDocument(ctx, doc.ID)
	if got.Status != store.StatusReady {
		t.Fatalf("status = %s (%s)", got.Status, got.ErrorMessage)
	}
	parents, _ := h.store.ListParents(ctx, doc.ID)
	for _, p := range parents {
		if len(p.Labels) != 0 {
			t.Errorf("labels = %v, want empty", p.Labels)
		}
	}
}

func TestWorker_ActionTagsKeptAboveThreshold(t *testing.T) {
	for _, tc := range []struct {
		name       string
		confidence float64
		want       int
	}{
		{"confident", 0.8, 1},
		{"unsure", 0.3, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.oracle.tags = llm.ActionTags{Tags: []string{llm.TagFramework}, Confidence: tc.confidence}
			ctx := context.Background()
			doc := h.upload(t, "u1")
			h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

			parents, _ := h.store.ListParents(ctx, doc.ID)
			if len(parents) == 0 {
				t.Fatal("no parents")
			}
			if got := len(parents[0].Tags); got != tc.want {
				t.Errorf("tags = %v, want %d", parents[0].Tags, tc.want)
			}
		})
	}
}

func TestWorker_NoSectionsFails(t *testing.T) {
	h := newHarness(t)
	h.oracle.structure = `{"chapters":[]}`
	ctx := context.Background()
	doc := h.upload(t, "u1")
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	got, _ := h.store.GetDocument(ctx, doc.ID)
	if got.Status != store.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "no sections") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestWorker_SkipsUnclaimableDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	if err := h.store.Transition(ctx, doc.ID, []store.Status{store.StatusUploaded}, store.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}

	job := NewJob(attemptFor(doc, false))
	h.worker().Process(ctx, job)
	if job.Snapshot().Phase != "claim" {
		t.Errorf("phase = %q, want claim", job.Snapshot().Phase)
	}
	if h.oracle.structures != 0 {
		t.Errorf("oracle called %d times for an unclaimed document", h.oracle.structures)
	}
}

func TestStuckDocumentExpiresOnRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	if err := h.store.Transition(ctx, doc.ID, []store.Status{store.StatusUploaded}, store.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(time.Minute)
	got, err := h.orch.Status(ctx, doc.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusProcessing {
		t.Fatalf("status before window = %s", got.Status)
	}
	if _, err := h.orch.Retry(ctx, doc.ID, "u1"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retry of fresh processing doc: %v, want ErrNotRetryable", err)
	}

	h.clock.Advance(2 * time.Minute)
	docs, err := h.orch.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Status != store.StatusError {
		t.Fatalf("list after window = %+v", docs)
	}
	if !strings.Contains(docs[0].ErrorMessage, "stalled") {
		t.Errorf("diagnostic = %q", docs[0].ErrorMessage)
	}

	job, err := h.orch.Retry(ctx, doc.ID, "u1")
	if err != nil {
		t.Fatalf("retry after expiry: %v", err)
	}
	if !job.Attempt().Retry {
		t.Error("expected retry attempt")
	}
	got, _ = h.store.GetDocument(ctx, doc.ID)
	if got.Status != store.StatusProcessing {
		t.Errorf("status after retry = %s", got.Status)
	}
}

func TestWorker_SlowAnnotationIsNotExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")

	// Each label call takes over a minute and a reader polls in between.
	h.oracle.onLabel = func() {
		h.clock.Advance(70 * time.Second)
		if _, err := h.orch.Status(ctx, doc.ID, "u1"); err != nil {
			t.Errorf("Status: %v", err)
		}
	}
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	got, err := h.store.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusReady {
		t.Fatalf("status = %s (%s), want ready", got.Status, got.ErrorMessage)
	}
	if total, _, _ := h.store.CountChildren(ctx, doc.ID); total != 6 {
		t.Errorf("children = %d, want 6", total)
	}
}

func TestRetry_OwnerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	if err := h.store.Transition(ctx, doc.ID, []store.Status{store.StatusUploaded}, store.StatusError, "failed"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.orch.Retry(ctx, doc.ID, "intruder"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner retry: %v, want ErrNotOwner", err)
	}
	got, _ := h.store.GetDocument(ctx, doc.ID)
	if got.Status != store.StatusError {
		t.Errorf("status changed by non-owner retry: %s", got.Status)
	}
	if _, err := h.orch.Retry(ctx, "missing", "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing doc retry: %v", err)
	}
}

func TestRetry_ReadyIsNotRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	if _, err := h.orch.Retry(ctx, doc.ID, "u1"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retry of ready doc: %v, want ErrNotRetryable", err)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxQueueSize = 1
	h.orch = NewOrchestrator(h.cfg, h.store, h.index, h.oracle, h.embedder, discardLogger())
	ctx := context.Background()

	if _, err := h.orch.Ingest(ctx, Upload{OwnerID: "u1", Filename: "a.txt", Data: []byte("first book")}); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	res, err := h.orch.Ingest(ctx, Upload{OwnerID: "u1", Filename: "b.txt", Data: []byte("second book")})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Ingest: %v, want ErrQueueFull", err)
	}
	if res.Document.Status != store.StatusError || res.Document.ErrorMessage != "queue full" {
		t.Errorf("document = %s %q", res.Document.Status, res.Document.ErrorMessage)
	}
	job := h.orch.GetJob(res.JobID)
	if job == nil || job.Snapshot().Status != StatusFailed {
		t.Errorf("job = %+v", job)
	}
}

func TestIngest_DuplicateUpload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte(bookText)

	first, err := h.orch.Ingest(ctx, Upload{OwnerID: "u1", Filename: "book.txt", Title: " My Book ", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate || first.Document.Title != "My Book" {
		t.Errorf("first = %+v", first)
	}
	<-h.orch.queue

	second, err := h.orch.Ingest(ctx, Upload{OwnerID: "u1", Filename: "copy.txt", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.Document.ID != first.Document.ID || second.JobID != "" {
		t.Errorf("second = %+v", second)
	}

	// Another owner gets their own document.
	other, err := h.orch.Ingest(ctx, Upload{OwnerID: "u2", Filename: "book.txt", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if other.Duplicate || other.Document.ID == first.Document.ID {
		t.Errorf("other owner = %+v", other)
	}
	<-h.orch.queue

	// A duplicate of a failed document retries it.
	if err := h.store.Transition(ctx, first.Document.ID, []store.Status{store.StatusUploaded}, store.StatusError, "x"); err != nil {
		t.Fatal(err)
	}
	third, err := h.orch.Ingest(ctx, Upload{OwnerID: "u1", Filename: "book.txt", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if !third.Duplicate || third.JobID == "" || third.Document.Status != store.StatusProcessing {
		t.Errorf("third = %+v", third)
	}
}

func TestIngest_Rejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cases := []struct {
		name string
		up   Upload
		want error
	}{
		{"no owner", Upload{Filename: "a.txt", Data: []byte("x")}, ErrOwnerRequired},
		{"format", Upload{OwnerID: "u1", Filename: "a.exe", Data: []byte("x")}, ErrUnsupportedFormat},
		{"empty", Upload{OwnerID: "u1", Filename: "a.txt"}, ErrEmptyUpload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.orch.Ingest(ctx, tc.up); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestIngest_SanitizesFilename(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.Ingest(context.Background(), Upload{OwnerID: "u1", Filename: "../../etc/notes.md", Data: []byte("# Notes")})
	if err != nil {
		t.Fatal(err)
	}
	doc, _ := h.store.GetDocument(context.Background(), res.Document.ID)
	if doc.Filename != "notes.md" {
		t.Errorf("filename = %q", doc.Filename)
	}
	if !strings.HasPrefix(doc.StoragePath, h.cfg.UploadDir) {
		t.Errorf("storage path %q escapes upload dir", doc.StoragePath)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	if err := h.orch.Delete(ctx, doc.ID, "u2"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner delete: %v", err)
	}
	if err := h.orch.Delete(ctx, doc.ID, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.store.GetDocument(ctx, doc.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("document still present: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(doc.StoragePath)); !os.IsNotExist(err) {
		t.Errorf("upload dir still present: %v", err)
	}
	if n, _ := h.index.Count(); n != 0 {
		t.Errorf("keyword entries left: %d", n)
	}
}

func TestDelete_ProcessingIsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	if err := h.store.Transition(ctx, doc.ID, []store.Status{store.StatusUploaded}, store.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Delete(ctx, doc.ID, "u1"); !errors.Is(err, ErrBusy) {
		t.Errorf("delete while processing: %v, want ErrBusy", err)
	}
}

func TestUnits_OwnerScoped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc := h.upload(t, "u1")
	h.worker().Process(ctx, NewJob(attemptFor(doc, false)))

	units, err := h.orch.Units(ctx, doc.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 3 {
		t.Errorf("units = %d", len(units))
	}
	if _, err := h.orch.Units(ctx, doc.ID, "u2"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner units: %v", err)
	}
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.orch.Start(ctx)
	defer h.orch.Stop()

	res, err := h.orch.Ingest(ctx, Upload{OwnerID: "u1", Filename: "book.txt", Data: []byte(bookText)})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		d, err := h.store.GetDocument(ctx, res.Document.ID)
		if err != nil {
			t.Fatal(err)
		}
		if d.Status == store.StatusReady {
			break
		}
		if d.Status == store.StatusError {
			t.Fatalf("processing failed: %s", d.ErrorMessage)
		}
		if time.Now().After(deadline) {
			t.Fatalf("document still %s", d.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job := h.orch.GetJob(res.JobID); job == nil || job.Snapshot().Status != StatusCompleted {
		t.Errorf("job = %+v", job)
	}
}

func TestOrchestrator_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.orch.Start(context.Background())
	h.orch.Stop()
	h.orch.Stop()

	_, err := h.orch.Ingest(context.Background(), Upload{OwnerID: "u1", Filename: "a.txt", Data: []byte("late")})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("submit after stop: %v, want ErrQueueFull", err)
	}
}
