package pipeline

import (
	"testing"
	"time"
)

func TestContentHashHex_Consistency(t *testing.T) {
	data := []byte("hello world")
	h1 := ContentHashHex(data)
	h2 := ContentHashHex(data)
	if h1 != h2 {
		t.Errorf("expected identical hashes, got %q and %q", h1, h2)
	}
	// SHA-256 of "hello world" is well-known.
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if h1 != want {
		t.Errorf("expected hash %q, got %q", want, h1)
	}
}

func TestContentHashHex_DifferentInputs(t *testing.T) {
	h1 := ContentHashHex([]byte("aaa"))
	h2 := ContentHashHex([]byte("bbb"))
	if h1 == h2 {
		t.Error("expected different hashes for different inputs")
	}
}

func TestContentHashHex_EmptyInput(t *testing.T) {
	h := ContentHashHex([]byte{})
	// SHA-256 of empty input is well-known.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if h != want {
		t.Errorf("expected hash %q, got %q", want, h)
	}
}

func TestJob_StateTransitions(t *testing.T) {
	job := NewJob(ProcessingAttempt{DocumentID: "doc-1", OwnerID: "u1", Filename: "book.txt"})
	if job.Status != StatusQueued {
		t.Fatalf("expected queued, got %q", job.Status)
	}

	transitions := []struct {
		status JobStatus
		phase  string
	}{
		{StatusExtracting, "extracting"},
		{StatusSegmenting, "segmenting"},
		{StatusMaterializing, "materializing"},
		{StatusSummarizing, "summarizing"},
		{StatusCompleted, "done"},
	}

	for _, tr := range transitions {
		before := job.UpdatedAt
		// Small sleep to ensure time difference is detectable.
		time.Sleep(time.Millisecond)
		job.SetStatus(tr.status, tr.phase)

		if job.Status != tr.status {
			t.Errorf("expected status %q, got %q", tr.status, job.Status)
		}
		if job.Phase != tr.phase {
			t.Errorf("expected phase %q, got %q", tr.phase, job.Phase)
		}
		if !job.UpdatedAt.After(before) {
			t.Errorf("expected UpdatedAt to advance after SetStatus(%q)", tr.status)
		}
	}
}

func TestNewJob_CarriesAttempt(t *testing.T) {
	a := ProcessingAttempt{DocumentID: "doc-2", OwnerID: "u2", StoragePath: "/data/doc-2/b.md", Filename: "b.md", Retry: true}
	job := NewJob(a)
	if job.ID == "" {
		t.Fatal("expected job id")
	}
	if job.Attempt() != a {
		t.Errorf("attempt = %+v, want %+v", job.Attempt(), a)
	}
	snap := job.Snapshot()
	if snap.DocID != "doc-2" || snap.UserID != "u2" || !snap.Retry {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if other := NewJob(a); other.ID == job.ID {
		t.Error("expected distinct job ids")
	}
}

func TestJob_AddError(t *testing.T) {
	job := &Job{ID: "err-test", UpdatedAt: time.Now()}
	job.AddError("window 3 skipped")
	job.AddError("embed batch at 100 failed")

	snap := job.Snapshot()
	if len(snap.Progress.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(snap.Progress.Errors))
	}
	if snap.Progress.Errors[0] != "window 3 skipped" {
		t.Errorf("expected first error %q, got %q", "window 3 skipped", snap.Progress.Errors[0])
	}
}

func TestJob_Progress(t *testing.T) {
	job := &Job{ID: "progress-test", UpdatedAt: time.Now()}
	job.SetCursor(100, 1000)
	job.SetCursor(400, 1000)
	job.SetUnits(3, 12)
	job.AddEmbedded(5)
	job.AddEmbedded(7)

	p := job.Snapshot().Progress
	if p.Cursor != 400 || p.SourceBytes != 1000 || p.Windows != 2 {
		t.Errorf("cursor progress = %+v", p)
	}
	if p.Parents != 3 || p.Children != 12 || p.Embedded != 12 {
		t.Errorf("unit progress = %+v", p)
	}
}

func TestJob_SnapshotErrorsNotNil(t *testing.T) {
	// Snapshot should always return non-nil errors slice.
	job := &Job{ID: "snap-test", UpdatedAt: time.Now()}
	snap := job.Snapshot()
	if snap.Progress.Errors == nil {
		t.Error("expected non-nil errors slice in snapshot")
	}
	if len(snap.Progress.Errors) != 0 {
		t.Errorf("expected empty errors, got %d", len(snap.Progress.Errors))
	}
}

func TestJob_SnapshotIsCopy(t *testing.T) {
	job := &Job{ID: "copy-test", UpdatedAt: time.Now()}
	job.AddError("first")
	snap := job.Snapshot()
	snap.Progress.Errors[0] = "changed"
	if got := job.Snapshot().Progress.Errors[0]; got != "first" {
		t.Errorf("snapshot aliases job errors: %q", got)
	}
}

func TestJobStore_PutGet(t *testing.T) {
	store := NewJobStore(time.Hour)
	job := &Job{ID: "store-1", UpdatedAt: time.Now()}
	store.Put(job)

	got := store.Get("store-1")
	if got == nil {
		t.Fatal("expected to get job back")
	}
	if got.ID != "store-1" {
		t.Errorf("expected ID %q, got %q", "store-1", got.ID)
	}
}

func TestJobStore_GetMissing(t *testing.T) {
	store := NewJobStore(time.Hour)
	if store.Get("nonexistent") != nil {
		t.Error("expected nil for missing job")
	}
}

func TestJobStore_TTLCleanup(t *testing.T) {
	store := NewJobStore(50 * time.Millisecond)

	expired := &Job{ID: "old", UpdatedAt: time.Now()}
	store.Put(expired)

	// Wait for the TTL to pass.
	time.Sleep(100 * time.Millisecond)

	// Add a fresh job.
	fresh := &Job{ID: "new", UpdatedAt: time.Now()}
	store.Put(fresh)

	store.Cleanup()

	if store.Get("old") != nil {
		t.Error("expected expired job to be cleaned up")
	}
	if store.Get("new") == nil {
		t.Error("expected fresh job to survive cleanup")
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 job left, got %d", store.Len())
	}
}

func TestJobStore_CleanupEmpty(t *testing.T) {
	store := NewJobStore(time.Hour)
	// Should not panic on empty store.
	store.Cleanup()
}
