package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("state conflict")
)

// Status is a document processing state.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// Stats are counters recorded when a document finishes processing.
type Stats struct {
	Chapters         int `json:"chapters"`
	Parents          int `json:"parents"`
	TotalChildren    int `json:"total_children"`
	EmbeddedChildren int `json:"embedded_children"`
	Windows          int `json:"windows"`
	SkippedWindows   int `json:"skipped_windows"`
	ApproxTokens     int `json:"approx_tokens"`
}

// Document is the record of one uploaded book.
type Document struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Author       string    `json:"author,omitempty"`
	Filename     string    `json:"filename"`
	StoragePath  string    `json:"-"`
	ContentHash  string    `json:"content_hash"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Stats        Stats     `json:"stats"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Parent is a section-level unit. Text is the section's non-empty
// paragraphs joined by a blank line.
type Parent struct {
	ID            string   `json:"id"`
	DocumentID    string   `json:"document_id"`
	Position      int      `json:"position"`
	Chapter       string   `json:"chapter"`
	Section       string   `json:"section"`
	Text          string   `json:"text"`
	Labels        []string `json:"labels"`
	Summary       string   `json:"summary,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	TagConfidence float64  `json:"tag_confidence,omitempty"`
}

// Child is a paragraph-level unit. Ordinal is its index within the parent.
type Child struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id"`
	DocumentID string    `json:"document_id"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
}

// ScoredChild is a child unit with a similarity score.
type ScoredChild struct {
	Child
	Score float64 `json:"score"`
}

// ParentListing is a parent with its child count, for unit listings.
type ParentListing struct {
	Parent
	Children int `json:"children"`
}

// Correction is a user's fix to a wrong answer. DocumentID is empty for a
// correction that applies to all of the owner's books.
type Correction struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	DocumentID    string    `json:"document_id,omitempty"`
	ChildID       string    `json:"child_id,omitempty"`
	Query         string    `json:"query"`
	Response      string    `json:"response,omitempty"`
	IncorrectText string    `json:"incorrect_text"`
	CorrectText   string    `json:"correct_text"`
	Feedback      string    `json:"feedback,omitempty"`
	Embedding     []float32 `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}
