// Package llm talks to the hosted models the service depends on: the
// Anthropic Messages API for structuring, labeling, summarization, tagging
// and answer generation, and an OpenAI-compatible embeddings endpoint.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/innerchild2401/arsfafe/internal/segment"
	"github.com/innerchild2401/arsfafe/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

const defaultAnthropicURL = "https://api.anthropic.com"

// ClaudeClient calls the Anthropic Messages API.
type ClaudeClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	backoff    func(attempt int) time.Duration

	Stats *LLMStats
}

// Option configures a ClaudeClient.
type Option func(*ClaudeClient)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(c *ClaudeClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ClaudeClient) { c.log = l }
}

// WithBackoff replaces the retry delay policy.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(c *ClaudeClient) { c.backoff = fn }
}

func NewClaudeClient(apiKey, model string, opts ...Option) *ClaudeClient {
	c := &ClaudeClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultAnthropicURL,
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		log:     slog.New(slog.DiscardHandler),
		backoff: Backoff,
		Stats:   NewLLMStats(time.Hour),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the configured model name.
func (c *ClaudeClient) Model() string {
	return c.model
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func temperature(v float64) *float64 { return &v }

// Structure sends one text window to the structuring model and returns the
// raw response text. Parsing and repair happen in the segment package.
func (c *ClaudeClient) Structure(ctx context.Context, req segment.Request) (string, error) {
	return c.complete(ctx, "structure", anthropicRequest{
		MaxTokens:   outputBudget(req.Window),
		System:      structurePrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: BuildStructurePrompt(req)}},
		Temperature: temperature(0.1),
	})
}

// Label returns up to n short topic labels for a section.
func (c *ClaudeClient) Label(ctx context.Context, text string, n int) ([]string, error) {
	if n <= 0 {
		n = 5
	}
	out, err := c.complete(ctx, "label", anthropicRequest{
		MaxTokens:   256,
		Messages:    []anthropicMessage{{Role: "user", Content: fmt.Sprintf(labelPrompt, n, clip(text, 2000))}},
		Temperature: temperature(0.3),
	})
	if err != nil {
		return nil, err
	}
	return parseLabels(out, n)
}

// Summarize returns a short summary of a section.
func (c *ClaudeClient) Summarize(ctx context.Context, text, title string) (string, error) {
	out, err := c.complete(ctx, "summarize", anthropicRequest{
		MaxTokens:   400,
		Messages:    []anthropicMessage{{Role: "user", Content: fmt.Sprintf(summaryPrompt, titleLine(title), clip(text, 5000))}},
		Temperature: temperature(0.3),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// SummarizeDocument builds a whole-document summary from section summaries.
func (c *ClaudeClient) SummarizeDocument(ctx context.Context, summaries []string, title string) (string, error) {
	if len(summaries) == 0 {
		return "", errors.New("no section summaries")
	}
	var sb strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&sb, "Section %d:\n%s\n\n", i+1, s)
	}
	out, err := c.complete(ctx, "summarize_document", anthropicRequest{
		MaxTokens:   800,
		Messages:    []anthropicMessage{{Role: "user", Content: fmt.Sprintf(documentSummaryPrompt, titleLine(title), clip(sb.String(), 10000))}},
		Temperature: temperature(0.3),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Tag classifies a section's actionable methodology.
func (c *ClaudeClient) Tag(ctx context.Context, text string) (ActionTags, error) {
	out, err := c.complete(ctx, "tag", anthropicRequest{
		MaxTokens:   200,
		Messages:    []anthropicMessage{{Role: "user", Content: fmt.Sprintf(tagPrompt, clip(text, 3000))}},
		Temperature: temperature(0.3),
	})
	if err != nil {
		return ActionTags{}, err
	}
	return parseActionTags(out)
}

// Generate produces a complete answer.
func (c *ClaudeClient) Generate(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, "generate", anthropicRequest{
		MaxTokens: 4096,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
	})
}

// complete runs one request with the retry policy and records latency.
func (c *ClaudeClient) complete(ctx context.Context, op string, req anthropicRequest) (string, error) {
	req.Model = c.model
	var text string
	var lastErr error
	for attempt := range MaxRetries {
		start := time.Now()
		text, lastErr = c.send(ctx, req)
		c.observe(ctx, op, start, lastErr)
		if lastErr == nil || !IsRetryable(lastErr) {
			break
		}
		c.log.Warn("retryable oracle error", "op", op, "attempt", attempt, "error", lastErr)
		select {
		case <-time.After(c.backoff(attempt)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, lastErr
}

func (c *ClaudeClient) observe(ctx context.Context, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	c.Stats.Record(op, elapsed.Milliseconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	inst := telemetry.Get()
	inst.OracleCalls.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrOperation.String(op),
		telemetry.AttrModel.String(c.model),
		telemetry.AttrStatus.String(status),
	))
	inst.OracleDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		telemetry.AttrOperation.String(op),
		telemetry.AttrModel.String(c.model),
	))
}

func (c *ClaudeClient) newRequest(ctx context.Context, req anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func (c *ClaudeClient) send(ctx context.Context, req anthropicRequest) (string, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("claude api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if err := statusError(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("claude error: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("empty response from claude")
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" || block.Type == "" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func statusError(code int, body []byte) error {
	if code == http.StatusTooManyRequests || code >= 500 {
		return &RetryableError{StatusCode: code, Message: string(body)}
	}
	if code != http.StatusOK {
		return fmt.Errorf("claude api status %d: %s", code, truncate(string(body), 500))
	}
	return nil
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateStream produces an answer and calls onDelta for every text delta
// as it arrives. It returns the full text. Streams are not retried once the
// first delta has been delivered.
func (c *ClaudeClient) GenerateStream(ctx context.Context, system, user string, onDelta func(string) error) (string, error) {
	start := time.Now()
	text, err := c.stream(ctx, anthropicRequest{
		Model:     c.model,
		MaxTokens: 4096,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: user}},
		Stream:    true,
	}, onDelta)
	c.observe(ctx, "generate_stream", start, err)
	return text, err
}

func (c *ClaudeClient) stream(ctx context.Context, req anthropicRequest, onDelta func(string) error) (string, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("claude api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return "", statusError(resp.StatusCode, body)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
				continue
			}
			full.WriteString(ev.Delta.Text)
			if onDelta != nil {
				if err := onDelta(ev.Delta.Text); err != nil {
					return full.String(), err
				}
			}
		case "error":
			if ev.Error != nil {
				return full.String(), fmt.Errorf("claude stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return full.String(), errors.New("claude stream error")
		case "message_stop":
			return full.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read stream: %w", err)
	}
	return full.String(), nil
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}

// Close releases resources.
func (c *ClaudeClient) Close() {
	c.httpClient.CloseIdleConnections()
}
