package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/innerchild2401/arsfafe/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// ErrOrderMismatch is returned when an embedding response does not line up
// one-to-one with the request inputs.
var ErrOrderMismatch = errors.New("embedding response order mismatch")

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
	log        *slog.Logger
	backoff    func(int) time.Duration
	stats      *LLMStats
}

// EmbedderConfig configures an OpenAIEmbedder.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Logger     *slog.Logger
	Stats      *LLMStats
	Backoff    func(int) time.Duration
}

func NewOpenAIEmbedder(cfg EmbedderConfig) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dims:       cfg.Dimensions,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        cfg.Logger,
		backoff:    cfg.Backoff,
		stats:      cfg.Stats,
	}
	if e.baseURL == "" {
		e.baseURL = "https://api.openai.com/v1"
	}
	if e.model == "" {
		e.model = "text-embedding-3-small"
	}
	if e.dims <= 0 {
		e.dims = 1536
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	if e.backoff == nil {
		e.backoff = Backoff
	}
	return e
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed sends all texts in one request. Callers batch.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out [][]float32
	var err error
	for attempt := range MaxRetries {
		start := time.Now()
		out, err = e.send(ctx, texts)
		e.observe(ctx, start, len(texts), err)
		if err == nil || !IsRetryable(err) {
			break
		}
		e.log.Warn("retryable embedding error", "attempt", attempt, "error", err)
		select {
		case <-time.After(e.backoff(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, err
}

func (e *OpenAIEmbedder) observe(ctx context.Context, start time.Time, n int, err error) {
	elapsed := time.Since(start)
	if e.stats != nil {
		e.stats.Record("embed", elapsed.Milliseconds())
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	inst := telemetry.Get()
	inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrModel.String(e.model),
		telemetry.AttrStatus.String(status),
	))
	inst.EmbedDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		telemetry.AttrModel.String(e.model),
	))
}

func (e *OpenAIEmbedder) send(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts, Dimensions: e.dims})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &RetryableError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings api status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	var er embedResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if er.Error != nil {
		return nil, fmt.Errorf("embeddings error: %s", er.Error.Message)
	}
	return ordered(er, len(texts))
}

// ordered checks that the response holds exactly one vector per input with
// the same positions. Anything else would attach vectors to the wrong text.
func ordered(er embedResponse, n int) ([][]float32, error) {
	if len(er.Data) != n {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrOrderMismatch, len(er.Data), n)
	}
	out := make([][]float32, n)
	for i, d := range er.Data {
		if d.Index != i {
			return nil, fmt.Errorf("%w: position %d has index %d", ErrOrderMismatch, i, d.Index)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		out[i] = d.Embedding
	}
	return out, nil
}
