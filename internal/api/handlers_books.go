package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/innerchild2401/arsfafe/internal/corrections"
	"github.com/innerchild2401/arsfafe/internal/pipeline"
	"github.com/innerchild2401/arsfafe/internal/store"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Limit total request size.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1024*1024) // extra 1MB for form overhead

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	userID := r.FormValue("user_id")
	if userID == "" {
		jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.cfg.MaxUploadBytes), http.StatusRequestEntityTooLarge)
		return
	}

	res, err := s.books.Ingest(r.Context(), pipeline.Upload{
		OwnerID:  userID,
		Filename: header.Filename,
		Title:    r.FormValue("title"),
		Author:   r.FormValue("author"),
		Data:     data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	body := map[string]any{
		"document_id": res.Document.ID,
		"status":      res.Document.Status,
		"duplicate":   res.Duplicate,
		"poll_url":    fmt.Sprintf("/api/books/%s?user_id=%s", res.Document.ID, userID),
	}
	if res.JobID != "" {
		body["job_id"] = res.JobID
		body["job_url"] = fmt.Sprintf("/api/ingest/%s/status", res.JobID)
	}
	writeJSON(w, http.StatusAccepted, body)
}

// handleListBooks lists all documents for a user.
func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		jsonError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	docs, err := s.books.List(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleBookStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		jsonError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	doc, err := s.books.Status(r.Context(), chi.URLParam(r, "docID"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.UserID == "" {
		jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	docID := chi.URLParam(r, "docID")
	job, err := s.books.Retry(r.Context(), docID, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"document_id": docID,
		"status":      store.StatusProcessing,
		"job_id":      job.ID,
		"job_url":     fmt.Sprintf("/api/ingest/%s/status", job.ID),
	})
}

// handleDeleteBook deletes a document, its units and its stored upload.
func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		jsonError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	docID := chi.URLParam(r, "docID")
	if err := s.books.Delete(r.Context(), docID, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": docID, "deleted": true})
}

func (s *Server) handleUnits(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		jsonError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}
	units, err := s.books.Units(r.Context(), chi.URLParam(r, "docID"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if units == nil {
		units = []store.ParentListing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units})
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job := s.books.GetJob(jobID)
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	snap := job.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":   snap.ID,
		"doc_id":   snap.DocID,
		"status":   snap.Status,
		"phase":    snap.Phase,
		"retry":    snap.Retry,
		"progress": snap.Progress,
	})
}

// writeError maps lifecycle and store errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotOwner):
		code = http.StatusForbidden
	case errors.Is(err, pipeline.ErrNotRetryable), errors.Is(err, pipeline.ErrBusy), errors.Is(err, store.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, pipeline.ErrQueueFull):
		code = http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		code = http.StatusUnsupportedMediaType
	case errors.Is(err, pipeline.ErrEmptyUpload), errors.Is(err, pipeline.ErrOwnerRequired), errors.Is(err, corrections.ErrInvalid):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
	}
	jsonError(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
