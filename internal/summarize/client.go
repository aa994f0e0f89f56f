package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultOpenAIURL = "https://api.openai.com/v1"
	defaultOllamaURL = "http://localhost:11434"
)

// Config selects and tunes a summarization provider
type Config struct {
	Provider          string        `toml:"provider"`
	BaseURL           string        `toml:"base_url"`
	APIKey            string        `toml:"api_key"`
	Model             string        `toml:"model"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerMinute int           `toml:"requests_per_minute"` // 0 disables limiting
	HTTPClient        *http.Client  `toml:"-"`
}

// Client calls an OpenAI-compatible or Ollama chat endpoint
type Client struct {
	provider string
	baseURL  string
	apiKey   string
	model    string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewClient creates a chat client for cfg.Provider
func NewClient(cfg Config) (*Client, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider != ProviderOpenAI && provider != ProviderOllama {
		return nil, fmt.Errorf("summarize: provider %q has no chat client", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, errors.New("summarize: model is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIURL
		if provider == ProviderOllama {
			baseURL = defaultOllamaURL
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	return &Client{
		provider: provider,
		baseURL:  baseURL,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   httpClient,
		limiter:  limiter,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Summarize sends one non-streaming chat completion
func (c *Client) Summarize(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		// A live context means the wait would outlast its deadline; a later
		// attempt finds a fresh token.
		return "", &Error{Provider: c.provider, Err: fmt.Errorf("rate limit: %w", err), retryable: ctx.Err() == nil}
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Instructions},
			{Role: "user", Content: req.Content},
		},
		Stream: false,
	})
	if err != nil {
		return "", &Error{Provider: c.provider, Err: fmt.Errorf("marshal request: %w", err)}
	}

	endpoint := c.baseURL + "/chat/completions"
	if c.provider == ProviderOllama {
		endpoint = c.baseURL + "/api/chat"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Provider: c.provider, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &Error{Provider: c.provider, Err: fmt.Errorf("request failed: %w", err), retryable: ctx.Err() == nil}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &Error{Provider: c.provider, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err), retryable: true}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout
		return "", &Error{Provider: c.provider, StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body))), retryable: retryable}
	}

	text, err := c.decode(body)
	if err != nil {
		return "", &Error{Provider: c.provider, StatusCode: resp.StatusCode, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Provider: c.provider, StatusCode: resp.StatusCode, Err: errors.New("empty completion"), retryable: true}
	}
	return text, nil
}

func (c *Client) decode(body []byte) (string, error) {
	if c.provider == ProviderOllama {
		var parsed ollamaResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		return parsed.Message.Content, nil
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}
