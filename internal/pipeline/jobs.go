package pipeline

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the phase of one processing run.
type JobStatus string

const (
	StatusQueued        JobStatus = "queued"
	StatusExtracting    JobStatus = "extracting"
	StatusSegmenting    JobStatus = "segmenting"
	StatusMaterializing JobStatus = "materializing"
	StatusSummarizing   JobStatus = "summarizing"
	StatusCompleted     JobStatus = "completed"
	StatusFailed        JobStatus = "failed"
)

// Job tracks the in-memory progress of one processing run. The durable
// state lives on the document record; jobs expire after the TTL.
type Job struct {
	mu sync.Mutex

	ID     string `json:"job_id"`
	DocID  string `json:"doc_id"`
	UserID string `json:"user_id"`

	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`
	Filename string    `json:"filename"`
	Retry    bool      `json:"retry"`

	Progress Progress `json:"progress"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	attempt ProcessingAttempt
	errors  []string
}

// Progress tracks processing progress.
type Progress struct {
	Cursor      int      `json:"cursor"`
	SourceBytes int      `json:"source_bytes"`
	Windows     int      `json:"windows"`
	Parents     int      `json:"parents"`
	Children    int      `json:"children"`
	Embedded    int      `json:"embedded"`
	Errors      []string `json:"errors"`
}

// NewJob creates a queued job for an attempt.
func NewJob(a ProcessingAttempt) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.Must(uuid.NewV7()).String(),
		DocID:     a.DocumentID,
		UserID:    a.OwnerID,
		Status:    StatusQueued,
		Phase:     "queued",
		Filename:  a.Filename,
		Retry:     a.Retry,
		CreatedAt: now,
		UpdatedAt: now,
		attempt:   a,
	}
}

// Attempt returns the attempt the job runs.
func (j *Job) Attempt() ProcessingAttempt {
	return j.attempt
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Cleanup removes expired jobs.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		job.mu.Lock()
		updated := job.UpdatedAt
		job.mu.Unlock()
		if now.Sub(updated) > s.ttl {
			delete(s.jobs, id)
		}
	}
}

// Len returns the number of tracked jobs.
func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus, phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
}

// AddError records an error.
func (j *Job) AddError(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, err)
	j.Progress.Errors = j.errors
	j.UpdatedAt = time.Now()
}

// SetCursor records the segmentation cursor after a window.
func (j *Job) SetCursor(cursor, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.Cursor = cursor
	j.Progress.SourceBytes = total
	j.Progress.Windows++
	j.UpdatedAt = time.Now()
}

// SetUnits records the materialized unit counts.
func (j *Job) SetUnits(parents, children int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.Parents = parents
	j.Progress.Children = children
	j.UpdatedAt = time.Now()
}

// AddEmbedded increments the count of embedded children.
func (j *Job) AddEmbedded(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.Embedded += n
	j.UpdatedAt = time.Now()
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID       string    `json:"job_id"`
	DocID    string    `json:"doc_id"`
	UserID   string    `json:"user_id"`
	Status   JobStatus `json:"status"`
	Phase    string    `json:"phase"`
	Filename string    `json:"filename"`
	Retry    bool      `json:"retry"`
	Progress Progress  `json:"progress"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := j.Progress
	p.Errors = append([]string{}, j.Progress.Errors...)
	return JobSnapshot{
		ID:       j.ID,
		DocID:    j.DocID,
		UserID:   j.UserID,
		Status:   j.Status,
		Phase:    j.Phase,
		Filename: j.Filename,
		Retry:    j.Retry,
		Progress: p,
	}
}

// ContentHashHex computes SHA-256 of content and returns hex string.
func ContentHashHex(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:])
}
