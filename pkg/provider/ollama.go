package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultOllamaURL is the standard local Ollama endpoint.
	DefaultOllamaURL = "http://127.0.0.1:11434"

	defaultMaxRetries = 3
	baseBackoff       = 500 * time.Millisecond
)

// OllamaOption configures an OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) { p.client = c }
}

// WithMaxRetries sets the maximum number of retry attempts for retryable errors.
func WithMaxRetries(n int) OllamaOption {
	return func(p *OllamaProvider) { p.maxRetries = n }
}

// WithRetryBackoff sets the base delay for exponential backoff between retries.
func WithRetryBackoff(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// OllamaProvider implements Provider for a locally hosted Ollama server.
// It talks to the /api/chat endpoint and falls back to /api/generate for
// older servers that predate the chat API.
type OllamaProvider struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
}

// NewOllamaProvider creates a provider for the Ollama server at baseURL.
// An empty baseURL selects DefaultOllamaURL. Trailing slashes and a
// trailing /api path segment are stripped, so both http://host:11434 and
// http://host:11434/api/ address the same server.
func NewOllamaProvider(baseURL string, opts ...OllamaOption) *OllamaProvider {
	p := &OllamaProvider{
		baseURL:    normalizeBaseURL(baseURL),
		client:     &http.Client{Timeout: 120 * time.Second},
		maxRetries: defaultMaxRetries,
		backoff:    baseBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	base = strings.TrimSuffix(base, "/api")
	if base == "" {
		return DefaultOllamaURL
	}
	return base
}

// Name returns "ollama".
func (p *OllamaProvider) Name() string { return "ollama" }

// BaseURL returns the normalized server address.
func (p *OllamaProvider) BaseURL() string { return p.baseURL }

// ollamaChatRequest is the /api/chat request body.
type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

// ollamaChatResponse is the /api/chat response body.
type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// ollamaGenerateRequest is the /api/generate request body.
type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

// ollamaGenerateResponse is the /api/generate response body.
type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Chat sends the transcript to /api/chat, retrying transient failures
// with exponential backoff. A 404 from the chat endpoint switches to the
// /api/generate fallback for the rest of the call.
func (p *OllamaProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
		Options:  ollamaOptions{Temperature: req.Temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("building request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := p.doChat(ctx, req, body)
		if err != nil {
			if !isRetryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("ollama chat failed after %d attempts: %w", p.maxRetries+1, lastErr)
}

func (p *OllamaProvider) doChat(ctx context.Context, req *Request, body []byte) (*Response, error) {
	respBody, status, err := p.post(ctx, p.baseURL+"/api/chat", body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		return p.generateFallback(ctx, req)
	}
	if err := checkStatus(status, respBody); err != nil {
		return nil, err
	}

	var cr ollamaChatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}

	return &Response{
		Content:          cr.Message.Content,
		Model:            cr.Model,
		PromptTokens:     cr.PromptEvalCount,
		CompletionTokens: cr.EvalCount,
	}, nil
}

// generateFallback replays the request against /api/generate with the
// transcript flattened into a single prompt. A second 404 means neither
// endpoint exists, which usually indicates a wrong base URL or a model
// that has not been pulled.
func (p *OllamaProvider) generateFallback(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   req.Model,
		Prompt:  messagesToPrompt(req.Messages),
		Stream:  false,
		Options: ollamaOptions{Temperature: req.Temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("building generate request body: %w", err)
	}

	respBody, status, err := p.post(ctx, p.baseURL+"/api/generate", body)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNotFound {
		available := "none"
		if models, err := p.ListModels(ctx); err == nil && len(models) > 0 {
			available = strings.Join(models, ", ")
		}
		return nil, fmt.Errorf(
			"ollama returned 404 for chat and generate: check base URL (%s) and pull model %q (available models: %s)",
			p.baseURL, req.Model, available)
	}
	if err := checkStatus(status, respBody); err != nil {
		return nil, err
	}

	var gr ollamaGenerateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("decoding generate response: %w", err)
	}

	return &Response{
		Content:          gr.Response,
		Model:            gr.Model,
		PromptTokens:     gr.PromptEvalCount,
		CompletionTokens: gr.EvalCount,
	}, nil
}

// ListModels returns the names of models installed on the server.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(respBody))
	}

	var tags ollamaTagsResponse
	if err := json.Unmarshal(respBody, &tags); err != nil {
		return nil, fmt.Errorf("decoding tags response: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			names = append(names, m.Name)
		}
	}
	return names, nil
}

// post sends the body and returns the response bytes and status code.
// Transport and read failures are retryable.
func (p *OllamaProvider) post(ctx context.Context, url string, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, 0, &retryableError{err: fmt.Errorf("sending HTTP request: %w", err)}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, 0, &retryableError{err: fmt.Errorf("reading response body: %w", err)}
	}

	return respBody, httpResp.StatusCode, nil
}

func checkStatus(status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return &retryableError{err: fmt.Errorf("HTTP %d: %s", status, string(body))}
	}
	return fmt.Errorf("HTTP %d: %s", status, string(body))
}

// messagesToPrompt flattens a chat transcript into the single-prompt form
// the generate endpoint expects.
func messagesToPrompt(messages []Message) string {
	parts := make([]string, 0, len(messages)+1)
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = RoleUser
		}
		parts = append(parts, strings.ToUpper(role)+": "+m.Content)
	}
	parts = append(parts, "ASSISTANT:")
	return strings.Join(parts, "\n\n")
}

// retryableError wraps errors that should trigger a retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// isRetryable reports whether err should trigger a retry.
func isRetryable(err error) bool {
	_, ok := err.(*retryableError)
	return ok
}
