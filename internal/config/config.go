package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port string

	// Auth
	APIKey string

	// Storage
	DBPath    string
	IndexPath string
	UploadDir string

	// Claude oracle
	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicBaseURL string

	// Embeddings
	EmbeddingProvider   string
	EmbeddingBaseURL    string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbedBatchSize      int

	// Segmentation
	WindowSize    int
	WindowRetries int

	// Document lifecycle
	StaleProcessingAfter time.Duration

	// Worker pool
	WorkerCount  int
	MaxQueueSize int

	// Upload limits
	MaxUploadBytes int64

	// Job state
	JobTTL time.Duration

	// PDF
	PDFFallbackPdftotext bool

	// Telemetry
	OTelEnabled bool
	ServiceName string

	// Retrieval
	KeywordWeight  float64
	SemanticWeight float64

	// Materialization
	LabelCount        int
	SummarizeSections bool
	TagActions        bool
}

// Load reads the configuration from the environment.
func Load() Config {
	return layer{}.load()
}

// LoadFile reads a YAML or TOML file of KEY: value pairs and then applies
// the environment on top. Keys are matched case-insensitively.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Config{}, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	l := make(layer, len(raw))
	for k, v := range raw {
		l[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return l.load(), nil
}

// layer holds file values; the environment always wins over it.
type layer map[string]string

func (l layer) load() Config {
	cfg := Config{
		Port: l.envOr("PORT", "8090"),

		APIKey: l.envOr("API_KEY", ""),

		DBPath:    l.envOr("DB_PATH", "data/bookrag.db"),
		IndexPath: l.envOr("INDEX_PATH", "data/keyword.bleve"),
		UploadDir: l.envOr("UPLOAD_DIR", "data/uploads"),

		AnthropicAPIKey:  l.envOr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   l.envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
		AnthropicBaseURL: l.envOr("ANTHROPIC_BASE_URL", ""),

		EmbeddingProvider:   strings.ToLower(l.envOr("EMBEDDING_PROVIDER", "openai")),
		EmbeddingBaseURL:    l.envOr("EMBEDDING_BASE_URL", ""),
		EmbeddingAPIKey:     l.envOr("EMBEDDING_API_KEY", ""),
		EmbeddingModel:      l.envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: l.envInt("EMBEDDING_DIMENSIONS", 1536),
		EmbedBatchSize:      l.envInt("EMBED_BATCH_SIZE", 100),

		WindowSize:    l.envInt("WINDOW_SIZE", 40000),
		WindowRetries: l.envInt("WINDOW_RETRIES", 2),

		StaleProcessingAfter: l.envDuration("STALE_PROCESSING_AFTER", 2*time.Minute),

		WorkerCount:  l.envInt("WORKER_COUNT", 2),
		MaxQueueSize: l.envInt("MAX_QUEUE_SIZE", 100),

		MaxUploadBytes: l.envInt64("MAX_UPLOAD_BYTES", 52428800), // 50MB

		JobTTL: l.envDuration("JOB_TTL", 1*time.Hour),

		PDFFallbackPdftotext: l.envBool("PDF_FALLBACK_PDFTOTEXT", true),

		OTelEnabled: l.envBool("OTEL_ENABLED", false),
		ServiceName: l.envOr("SERVICE_NAME", "bookrag"),

		KeywordWeight:  l.envFloat("KEYWORD_WEIGHT", 0.3),
		SemanticWeight: l.envFloat("SEMANTIC_WEIGHT", 0.7),

		LabelCount:        l.envInt("LABEL_COUNT", 5),
		SummarizeSections: l.envBool("SUMMARIZE_SECTIONS", true),
		TagActions:        l.envBool("TAG_ACTIONS", true),
	}

	if cfg.EmbeddingDimensions <= 0 {
		cfg.EmbeddingDimensions = 1536
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 100
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 40000
	}
	if cfg.WindowRetries < 0 {
		cfg.WindowRetries = 2
	}
	if cfg.StaleProcessingAfter <= 0 {
		cfg.StaleProcessingAfter = 2 * time.Minute
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 52428800
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 1 * time.Hour
	}
	if cfg.KeywordWeight < 0 || cfg.SemanticWeight < 0 || cfg.KeywordWeight+cfg.SemanticWeight == 0 {
		cfg.KeywordWeight, cfg.SemanticWeight = 0.3, 0.7
	}
	if cfg.LabelCount < 0 {
		cfg.LabelCount = 5
	}

	return cfg
}

func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, fmt.Errorf("API_KEY is required"))
	}
	if c.AnthropicAPIKey == "" {
		errs = append(errs, fmt.Errorf("ANTHROPIC_API_KEY is required"))
	}
	switch c.EmbeddingProvider {
	case "openai":
		if c.EmbeddingAPIKey == "" {
			errs = append(errs, fmt.Errorf("EMBEDDING_API_KEY is required for the openai provider"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("EMBEDDING_PROVIDER must be openai or mock, got %q", c.EmbeddingProvider))
	}
	if c.DBPath == "" {
		errs = append(errs, fmt.Errorf("DB_PATH is required"))
	}
	if c.UploadDir == "" {
		errs = append(errs, fmt.Errorf("UPLOAD_DIR is required"))
	}
	return errors.Join(errs...)
}

func (l layer) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return l[key]
}

func (l layer) envOr(key, fallback string) string {
	if v := l.get(key); v != "" {
		return v
	}
	return fallback
}

func (l layer) envInt(key string, fallback int) int {
	if v := l.get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (l layer) envInt64(key string, fallback int64) int64 {
	if v := l.get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func (l layer) envBool(key string, fallback bool) bool {
	if v := l.get(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func (l layer) envDuration(key string, fallback time.Duration) time.Duration {
	if v := l.get(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func (l layer) envFloat(key string, fallback float64) float64 {
	if v := l.get(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
