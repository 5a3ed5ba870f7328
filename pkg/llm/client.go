// Package llm provides the DeepSeek-compatible chat client the analysis
// stages call. The wire format is the OpenAI chat-completions shape.
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

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/metrics"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the seam stage handlers depend on. Tests substitute a scripted
// implementation.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// HTTPClient calls a chat-completions endpoint with bearer authentication.
// Failures map onto the taxonomy: 429 → rate limited, 5xx and transport
// errors → transient, deadline → timeout, 401/403 → config.
type HTTPClient struct {
	cfg        *config.LLMConfig
	timeouts   *config.TimeoutRegistry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	httpClient *http.Client
}

// NewHTTPClient builds a client for cfg. Per-request deadlines come from the
// timeout registry, so the underlying http.Client carries none of its own.
func NewHTTPClient(cfg *config.LLMConfig, timeouts *config.TimeoutRegistry, m *metrics.Metrics, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:        cfg,
		timeouts:   timeouts,
		metrics:    m,
		logger:     logger.With("component", "llm_client"),
		httpClient: &http.Client{},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat sends messages and returns the first choice's content.
func (c *HTTPClient) Chat(ctx context.Context, messages []Message) (string, error) {
	start := time.Now()
	content, err := c.chat(ctx, messages)
	c.metrics.ObserveLLMRequest(outcomeLabel(err), time.Since(start))
	return content, err
}

func (c *HTTPClient) chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Get(config.CategoryLLM, config.TimeoutRequest))
	defer cancel()

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", faults.FromContext(ctxErr)
		}
		return "", faults.Transient(fmt.Errorf("chat request to %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", faults.Transient(fmt.Errorf("decode chat response: %w", err))
	}
	if len(decoded.Choices) == 0 {
		return "", faults.Transient(errors.New("chat response had no choices"))
	}

	c.logger.Debug("Chat completed",
		"model", c.cfg.Model,
		"prompt_tokens", decoded.Usage.PromptTokens,
		"completion_tokens", decoded.Usage.CompletionTokens)
	return decoded.Choices[0].Message.Content, nil
}

// Reachable probes the endpoint without spending tokens. Any HTTP response
// counts as reachable; only transport failures and deadlines do not. The
// health monitor uses this as the LLM dependency probe.
func (c *HTTPClient) Reachable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Get(config.CategoryLLM, config.TimeoutConnect))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("create llm probe request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm endpoint %s unreachable: %w", c.cfg.BaseURL, err)
	}
	return resp.Body.Close()
}

func (c *HTTPClient) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(raw))
	var decoded apiError
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error.Message != "" {
		detail = decoded.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: llm returned HTTP 429: %s", faults.ErrRateLimited, detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: llm rejected credentials (HTTP %d): %s", faults.ErrConfig, resp.StatusCode, detail)
	case resp.StatusCode >= 500:
		return faults.Transient(fmt.Errorf("llm returned HTTP %d: %s", resp.StatusCode, detail))
	default:
		return fmt.Errorf("llm returned HTTP %d: %s", resp.StatusCode, detail)
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case faults.IsShutdown(err):
		return "canceled"
	case errors.Is(err, faults.ErrTimeout):
		return "timeout"
	case errors.Is(err, faults.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

// ExtractJSON returns the JSON document embedded in a completion. Models wrap
// JSON in markdown fences or prose; the fenced block wins when present,
// otherwise the outermost braced region.
func ExtractJSON(completion string) (string, error) {
	s := strings.TrimSpace(completion)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", errors.New("no json in completion")
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", errors.New("unterminated json in completion")
	}
	return s[start : end+1], nil
}

// DecodeInto extracts the JSON payload from a completion and unmarshals it
// into v. Malformed output is transient: a retried request usually yields
// parseable JSON.
func DecodeInto(completion string, v any) error {
	raw, err := ExtractJSON(completion)
	if err != nil {
		return faults.Transient(err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return faults.Transient(fmt.Errorf("completion is not valid json: %w", err))
	}
	return nil
}
