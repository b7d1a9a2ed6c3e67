package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"claude-chat/internal/models"
)

const (
	// DefaultBaseURL is the public Messages API host.
	DefaultBaseURL = "https://api.anthropic.com"
	// DefaultAPIVersion is sent as the anthropic-version header.
	DefaultAPIVersion = "2023-06-01"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	userAgent       = "claude-chat/0.1"
	maxErrorBody    = 64 * 1024
)

// Config captures endpoint settings shared by every client.
type Config struct {
	BaseURL    string
	APIVersion string
	Headers    map[string]string
}

// Client talks to the Messages endpoint with a single API key.
type Client struct {
	apiKey   string
	version  string
	headers  map[string]string
	client   *http.Client
	messages string
}

// New constructs a client. It does not contact the API.
func New(apiKey string, cfg Config, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key must not be empty")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", baseURL)
	}

	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}

	return &Client{
		apiKey:   apiKey,
		version:  version,
		headers:  cfg.Headers,
		client:   client,
		messages: baseURL + "/v1/messages",
	}, nil
}

// Request is the Messages API request body.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Thinking    *Thinking `json:"thinking,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Thinking enables extended thinking with a token budget.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// Message is a single role/content entry of a request.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Block types returned by the API.
const (
	BlockText             = "text"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// ContentBlock is a typed content segment.
type ContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Response is a complete, non-streamed message.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage mirrors the vendor usage block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToModel converts the vendor usage block.
func (u Usage) ToModel() models.Usage {
	return models.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
}

// CreateMessage issues a blocking request and decodes the full response.
func (c *Client) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	req.Stream = false

	httpReq, err := c.newRequest(ctx, req, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("messages request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}
	if len(resp.Content) == 0 {
		return nil, errors.New("messages response missing content blocks")
	}
	return &resp, nil
}

func (c *Client) newRequest(ctx context.Context, payload Request, accept string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messages, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// APIError is a failure reported by the Messages API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("anthropic error %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("anthropic error %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err means the API key was rejected.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.Type == "authentication_error"
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error errorDetail `json:"error"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Type: apiErr.Error.Type, Message: apiErr.Error.Message}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
