package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"whatsapp-relay/internal/domain"
)

// createThreadResponse is the minimal response shape of POST /threads.
type createThreadResponse struct {
	ID string `json:"id"`
}

// addMessageRequest appends a message to a thread.
type addMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// createRunRequest starts a run of an assistant against a thread.
type createRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

// runResponse is the minimal response shape of run creation and retrieval.
type runResponse struct {
	ID     string           `json:"id"`
	Status domain.RunStatus `json:"status"`
}

// listMessagesResponse is the minimal response shape of GET /threads/{id}/messages.
type listMessagesResponse struct {
	Data []struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		RunID   string `json:"run_id"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

// tokenPayload is the JSON shape stored in SSM for the API token. A plain
// non-JSON value is also accepted (environment-sourced tokens).
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused client for the OpenAI Assistants v2 endpoints the relay
// uses: thread creation, message append, run creation/retrieval, and message
// listing.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	getter       Getter
	paramPrefix  string
	organization string
	project      string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithOrganization sets the OpenAI-Organization header on every request.
func WithOrganization(org string) Option {
	return func(c *Client) {
		c.organization = strings.TrimSpace(org)
	}
}

// WithProject sets the OpenAI-Project header on every request.
func WithProject(project string) Option {
	return func(c *Client) {
		c.project = strings.TrimSpace(project)
	}
}

// NewClient creates a new Client backed by the given paramstore getter for
// API key retrieval. The key is fetched on the first remote call and reused
// for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateThread creates a new empty thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	raw, err := c.post(ctx, "/threads", struct{}{})
	if err != nil {
		return "", fmt.Errorf("openai: create thread: %w", err)
	}
	var payload createThreadResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode thread response: %w", decErr)
	}
	if payload.ID == "" {
		return "", errors.New("openai: thread response has no id")
	}
	return payload.ID, nil
}

// AddMessage appends a user-authored message to the thread.
func (c *Client) AddMessage(ctx context.Context, threadID, text string) error {
	if threadID == "" {
		return errors.New("openai: thread id must not be empty")
	}
	_, err := c.post(ctx, "/threads/"+threadID+"/messages", addMessageRequest{
		Role:    "user",
		Content: text,
	})
	if err != nil {
		return fmt.Errorf("openai: add message: %w", err)
	}
	return nil
}

// CreateRun starts processing the thread with the given assistant and returns
// the run id.
func (c *Client) CreateRun(ctx context.Context, threadID, assistantID string) (string, error) {
	if threadID == "" {
		return "", errors.New("openai: thread id must not be empty")
	}
	if assistantID == "" {
		return "", errors.New("openai: assistant id must not be empty")
	}
	raw, err := c.post(ctx, "/threads/"+threadID+"/runs", createRunRequest{AssistantID: assistantID})
	if err != nil {
		return "", fmt.Errorf("openai: create run: %w", err)
	}
	var payload runResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode run response: %w", decErr)
	}
	if payload.ID == "" {
		return "", errors.New("openai: run response has no id")
	}
	return payload.ID, nil
}

// GetRun fetches the current status of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (domain.RunStatus, error) {
	raw, err := c.get(ctx, "/threads/"+threadID+"/runs/"+runID)
	if err != nil {
		return "", fmt.Errorf("openai: get run: %w", err)
	}
	var payload runResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode run response: %w", decErr)
	}
	if payload.Status == "" {
		return "", errors.New("openai: run response has no status")
	}
	return payload.Status, nil
}

// ListMessages returns the most recent messages on a thread, newest first,
// with each message's text segments concatenated. Non-text segments are
// skipped.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error) {
	raw, err := c.get(ctx, "/threads/"+threadID+"/messages?order=desc&limit=20")
	if err != nil {
		return nil, fmt.Errorf("openai: list messages: %w", err)
	}
	var payload listMessagesResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return nil, fmt.Errorf("openai: decode messages response: %w", decErr)
	}

	msgs := make([]domain.ThreadMessage, 0, len(payload.Data))
	for _, m := range payload.Data {
		var parts []string
		for _, segment := range m.Content {
			if segment.Type == "text" && segment.Text.Value != "" {
				parts = append(parts, segment.Text.Value)
			}
		}
		msgs = append(msgs, domain.ThreadMessage{
			ID:    m.ID,
			Role:  m.Role,
			RunID: m.RunID,
			Text:  strings.Join(parts, "\n"),
		})
	}
	return msgs, nil
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return c.doJSONRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.doJSONRequest(ctx, http.MethodGet, path, nil)
}

func (c *Client) doJSONRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if c.organization != "" {
		req.Header.Set("OpenAI-Organization", c.organization)
	}
	if c.project != "" {
		req.Header.Set("OpenAI-Project", c.project)
	}

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

// resolveAPIKey fetches the API key from the paramstore on the first call and
// returns the cached result on every subsequent call within the same process
// lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKey(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func fetchAPIKey(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	token := parseTokenValue(raw)
	if token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return token, nil
}

// parseTokenValue accepts either the SSM JSON payload {"token":"..."} or a
// plain token string.
func parseTokenValue(raw string) string {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err == nil && tp.Token != "" {
		return tp.Token
	}
	return strings.TrimSpace(raw)
}
