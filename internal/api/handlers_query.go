package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/innerchild2401/arsfafe/internal/router"
	"github.com/innerchild2401/arsfafe/internal/store"
)

type queryRequest struct {
	Query       string   `json:"query"`
	UserID      string   `json:"user_id"`
	BookIDs     []string `json:"book_ids"`
	HasArtifact bool     `json:"has_artifact"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		jsonError(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if len(req.BookIDs) == 0 {
		jsonError(w, "book_ids is required", http.StatusBadRequest)
		return
	}

	// Every scope must belong to the caller.
	scopes := make([]string, 0, len(req.BookIDs))
	seen := make(map[string]bool, len(req.BookIDs))
	for _, id := range req.BookIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.books.Status(r.Context(), id, req.UserID); err != nil {
			s.writeError(w, r, err)
			return
		}
		scopes = append(scopes, id)
	}

	q := router.Query{Text: req.Query, Scopes: scopes, HasArtifact: req.HasArtifact, OwnerID: req.UserID}
	if r.URL.Query().Get("stream") == "true" {
		s.streamAnswer(w, r, q)
		return
	}

	ans, err := s.answers.Answer(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

type correctionRequest struct {
	UserID        string `json:"user_id"`
	BookID        string `json:"book_id"`
	ChunkID       string `json:"chunk_id"`
	Query         string `json:"query"`
	Response      string `json:"response"`
	IncorrectText string `json:"incorrect_text"`
	CorrectText   string `json:"correct_text"`
	Feedback      string `json:"feedback"`
}

// handleCorrection records what an answer got wrong. Later questions from
// the same user that resemble it are answered with the correction in view.
func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		jsonError(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.BookID != "" {
		if _, err := s.books.Status(r.Context(), req.BookID, req.UserID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	c, err := s.corrections.Save(r.Context(), store.Correction{
		OwnerID:       req.UserID,
		DocumentID:    req.BookID,
		ChildID:       req.ChunkID,
		Query:         req.Query,
		Response:      req.Response,
		IncorrectText: req.IncorrectText,
		CorrectText:   req.CorrectText,
		Feedback:      req.Feedback,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"correction_id": c.ID, "created_at": c.CreatedAt})
}

// streamAnswer writes text deltas as server-sent events and finishes with
// a citations event carrying everything but the text.
func (s *Server) streamAnswer(w http.ResponseWriter, r *http.Request, q router.Query) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ans, err := s.answers.AnswerStream(r.Context(), q, func(delta string) error {
		if err := writeEvent(w, "delta", map[string]string{"text": delta}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.log.Error("stream answer failed", "error", err)
		writeEvent(w, "error", map[string]string{"error": err.Error()}) //nolint:errcheck
		flusher.Flush()
		return
	}
	ans.Text = ""
	writeEvent(w, "citations", ans) //nolint:errcheck
	flusher.Flush()
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
