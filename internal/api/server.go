package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/innerchild2401/arsfafe/internal/config"
	"github.com/innerchild2401/arsfafe/internal/llm"
	"github.com/innerchild2401/arsfafe/internal/pipeline"
	"github.com/innerchild2401/arsfafe/internal/router"
	"github.com/innerchild2401/arsfafe/internal/store"
)

// Books is the document lifecycle the API exposes.
type Books interface {
	Ingest(ctx context.Context, up pipeline.Upload) (pipeline.IngestResult, error)
	Retry(ctx context.Context, docID, ownerID string) (*pipeline.Job, error)
	Status(ctx context.Context, docID, ownerID string) (store.Document, error)
	List(ctx context.Context, ownerID string) ([]store.Document, error)
	Units(ctx context.Context, docID, ownerID string) ([]store.ParentListing, error)
	Delete(ctx context.Context, docID, ownerID string) error
	GetJob(id string) *pipeline.Job
}

// Answerer answers questions against books.
type Answerer interface {
	Answer(ctx context.Context, q router.Query) (router.Answer, error)
	AnswerStream(ctx context.Context, q router.Query, onDelta func(string) error) (router.Answer, error)
}

// Corrections records user fixes to wrong answers.
type Corrections interface {
	Save(ctx context.Context, c store.Correction) (store.Correction, error)
}

// Server is the HTTP API server.
type Server struct {
	router      chi.Router
	books       Books
	answers     Answerer
	corrections Corrections
	claude      *llm.ClaudeClient
	log         *slog.Logger
	cfg         config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(books Books, answers Answerer, corrections Corrections, claude *llm.ClaudeClient, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		books:       books,
		answers:     answers,
		corrections: corrections,
		claude:      claude,
		log:         log,
		cfg:         cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		r.Post("/api/books", s.handleUpload)
		r.Get("/api/books", s.handleListBooks)
		r.Get("/api/books/{docID}", s.handleBookStatus)
		r.Post("/api/books/{docID}/retry", s.handleRetry)
		r.Delete("/api/books/{docID}", s.handleDeleteBook)
		r.Get("/api/books/{docID}/units", s.handleUnits)

		r.Post("/api/query", s.handleQuery)
		r.Post("/api/corrections", s.handleCorrection)

		r.Get("/api/ingest/{jobID}/status", s.handleIngestStatus)
		r.Get("/api/stats/llm", s.handleLLMStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
