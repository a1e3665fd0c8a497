package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/innerchild2401/arsfafe/internal/api"
	"github.com/innerchild2401/arsfafe/internal/assemble"
	"github.com/innerchild2401/arsfafe/internal/config"
	"github.com/innerchild2401/arsfafe/internal/corrections"
	"github.com/innerchild2401/arsfafe/internal/index"
	"github.com/innerchild2401/arsfafe/internal/llm"
	"github.com/innerchild2401/arsfafe/internal/pipeline"
	"github.com/innerchild2401/arsfafe/internal/retrieve"
	"github.com/innerchild2401/arsfafe/internal/router"
	"github.com/innerchild2401/arsfafe/internal/store"
	"github.com/innerchild2401/arsfafe/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "optional YAML or TOML config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// A missing .env is normal in production.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("load .env", "error", err)
	}

	cfg := config.Load()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			log.Error("load config file", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := func(context.Context) error { return nil }
	if cfg.OTelEnabled {
		var err error
		shutdownTelemetry, err = telemetry.Init(ctx, cfg.ServiceName)
		if err != nil {
			log.Error("telemetry init", "error", err)
			os.Exit(1)
		}
	}

	// Storage.
	dirs := []string{filepath.Dir(cfg.DBPath), cfg.UploadDir}
	if cfg.IndexPath != "" {
		dirs = append(dirs, filepath.Dir(cfg.IndexPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create data dir", "dir", dir, "error", err)
			os.Exit(1)
		}
	}
	st, err := store.Open(cfg.DBPath, store.WithLogger(log.With("component", "store")))
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}
	if err := st.Init(ctx); err != nil {
		log.Error("init store", "error", err)
		os.Exit(1)
	}
	kw, err := index.OpenKeyword(cfg.IndexPath)
	if err != nil {
		log.Error("open keyword index", "path", cfg.IndexPath, "error", err)
		os.Exit(1)
	}

	// Initialize clients.
	claude := llm.NewClaudeClient(cfg.AnthropicAPIKey, cfg.AnthropicModel,
		llm.WithBaseURL(cfg.AnthropicBaseURL),
		llm.WithLogger(log.With("component", "claude")),
	)
	var embedder llm.Embedder
	switch cfg.EmbeddingProvider {
	case "mock":
		embedder = llm.NewMockEmbedder(cfg.EmbeddingDimensions)
		log.Warn("using mock embeddings; semantic ranking is meaningless")
	default:
		embedder = llm.NewOpenAIEmbedder(llm.EmbedderConfig{
			BaseURL:    cfg.EmbeddingBaseURL,
			APIKey:     cfg.EmbeddingAPIKey,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
			Logger:     log.With("component", "embedder"),
			Stats:      claude.Stats,
		})
	}

	// Read path.
	hybrid := index.NewHybrid(kw, st, cfg.KeywordWeight, cfg.SemanticWeight)
	chain := retrieve.NewChain(hybrid, st, st, embedder, log.With("component", "retrieve"), retrieve.WithParents(st))
	asm := assemble.New(st, log.With("component", "assemble"))
	fixes := corrections.New(st, embedder, log.With("component", "corrections"))
	answers := router.New(chain, asm, st, claude, log.With("component", "router"), router.WithCorrections(fixes))

	// Initialize pipeline.
	orch := pipeline.NewOrchestrator(cfg, st, kw, claude, embedder, log.With("component", "pipeline"))
	orch.Start(ctx)

	// Initialize HTTP server.
	srv := api.NewServer(orch, answers, fixes, claude, log, cfg)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		orch.Stop()
		claude.Close()
		kw.Close()
		st.Close()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	log.Info("starting bookrag", "port", cfg.Port, "model", claude.Model(), "embedding_provider", cfg.EmbeddingProvider)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	<-done
}
