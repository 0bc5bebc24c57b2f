package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures an OpenAI-compatible chat-completions endpoint.
// The Adapter Contract's invoke(model_id, prompt_text, deadline) is
// narrower than a full chat-message API, so only a single user message is
// ever sent — model_id selects which model the endpoint should run.
type HTTPConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	HTTPTimeout time.Duration
	MaxTokens   int
}

// HTTPAdapter invokes an OpenAI-compatible /chat/completions endpoint over
// a plain net/http client.
type HTTPAdapter struct {
	name   string
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPAdapter constructs an HTTPAdapter. HTTPTimeout defaults to 300s
// to accommodate slow reasoning models, matching the timeout the pack's
// HTTP LLM clients use for the same reason.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 300 * time.Second
	}
	return &HTTPAdapter{
		name:   cfg.Name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

// ValidatePromptLength reports no limit (limit 0). The orchestrator only
// rejects a prompt when an adapter reports a non-zero limit.
func (a *HTTPAdapter) ValidatePromptLength(promptText string) (bool, int) {
	return true, 0
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (a *HTTPAdapter) Invoke(ctx context.Context, modelID, promptText string) (string, error) {
	reqBody := chatRequest{
		Model:     modelID,
		Messages:  []chatMessage{{Role: "user", Content: promptText}},
		MaxTokens: a.cfg.MaxTokens,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &InvokeError{Kind: ErrTransport, Err: err}
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &InvokeError{Kind: ErrTransport, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", &InvokeError{Kind: ErrTimeout, Err: ctx.Err()}
		}
		return "", &InvokeError{Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &InvokeError{Kind: ErrTransport, Err: err}
	}

	if kind, ok := classifyStatus(resp.StatusCode); ok {
		return "", &InvokeError{Kind: kind, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", &InvokeError{Kind: ErrTransport, Err: fmt.Errorf("decode response: %w", err)}
	}
	if decoded.Error != nil {
		return "", &InvokeError{Kind: ErrTransport, Err: fmt.Errorf("%s", decoded.Error.Message)}
	}
	if len(decoded.Choices) == 0 {
		return "", &InvokeError{Kind: ErrTransport, Err: fmt.Errorf("no choices returned")}
	}
	return decoded.Choices[0].Message.Content, nil
}

// classifyStatus maps an HTTP status code to an adapter ErrorKind: 429
// and 5xx are transient (retried); 401/403 and other 4xx are permanent
// (fail fast, never retried). Other 4xx map to
// invalid_model rather than transport_error specifically so WithRetry's
// retryable() check does not retry them.
func classifyStatus(code int) (ErrorKind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited, true
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth, true
	case code >= 500:
		return ErrTransport, true
	case code >= 400:
		return ErrInvalidModel, true
	default:
		return "", false
	}
}
