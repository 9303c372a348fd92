package whatsapp

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
	"sync"
	"time"
)

const (
	defaultBaseURL      = "https://graph.facebook.com/v19.0"
	defaultMaxChunkLen  = 4000 // runes per outbound message
	defaultSendTimeout  = 20 * time.Second
	defaultRetryBackoff = 2 * time.Second
	defaultChunkPause   = 500 * time.Millisecond
	maxSendAttempts     = 2 // one retry per chunk, transport errors only
)

// sendRequest is the Graph API text message payload.
type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             sendText `json:"text"`
}

type sendText struct {
	Body string `json:"body"`
}

// tokenPayload mirrors the SSM JSON shape for the access token; plain values
// are also accepted.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures a non-2xx response from the send API. These are
// application-level failures and are never retried.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client delivers outbound text messages through the WhatsApp Cloud API,
// splitting long texts into platform-sized chunks and retrying each chunk at
// most once on transport-level failures.
type Client struct {
	baseURL      string
	phoneID      string
	httpClient   *http.Client
	getter       Getter
	paramPrefix  string
	maxChunkLen  int
	retryBackoff time.Duration
	chunkPause   time.Duration
	logger       *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error

	keyOnce sync.Once
	token   string
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

// WithMaxChunkLen overrides the per-message length limit, in runes.
func WithMaxChunkLen(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxChunkLen = n
		}
	}
}

// WithPacing overrides the retry backoff and the pause between chunks.
// Tests set both to zero.
func WithPacing(retryBackoff, chunkPause time.Duration) Option {
	return func(c *Client) {
		c.retryBackoff = retryBackoff
		c.chunkPause = chunkPause
	}
}

// NewClient creates a delivery client for the given phone number id. The
// access token is resolved through the paramstore getter on first use.
func NewClient(ps Getter, paramPrefix, phoneID string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	if strings.TrimSpace(phoneID) == "" {
		return nil, errors.New("whatsapp: phone id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:      defaultBaseURL,
		phoneID:      phoneID,
		httpClient:   &http.Client{Timeout: defaultSendTimeout},
		getter:       ps,
		paramPrefix:  paramPrefix,
		maxChunkLen:  defaultMaxChunkLen,
		retryBackoff: defaultRetryBackoff,
		chunkPause:   defaultChunkPause,
		logger:       logger,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send delivers text to a recipient, one chunk at a time in order. Empty or
// whitespace-only text is a no-op. A chunk that cannot be delivered aborts
// the remaining chunks; the caller must not retry the whole message.
func (c *Client) Send(ctx context.Context, to, text string) error {
	if strings.TrimSpace(text) == "" {
		c.logger.Warn("refusing to send empty message", "to", to)
		return nil
	}
	chunks := splitChunks(text, c.maxChunkLen)
	for i, chunk := range chunks {
		if i > 0 {
			if err := c.sleep(ctx, c.chunkPause); err != nil {
				return err
			}
		}
		if err := c.sendChunk(ctx, to, chunk); err != nil {
			return fmt.Errorf("whatsapp: send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, to, chunk string) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.retryBackoff); err != nil {
				return err
			}
		}
		err := c.postMessage(ctx, to, chunk)
		if err == nil {
			return nil
		}
		lastErr = err

		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			// Application-level rejection; retrying would repeat it.
			return err
		}
		c.logger.Warn("transport error sending message", "to", to, "attempt", attempt, "err", err)
	}
	return lastErr
}

func (c *Client) postMessage(ctx context.Context, to, chunk string) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             sendText{Body: chunk},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(c.baseURL, "/") + "/" + c.phoneID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/whatsapp-token")
		if err != nil {
			c.keyErr = fmt.Errorf("whatsapp: fetch token from paramstore: %w", err)
			return
		}
		c.token = parseTokenValue(raw)
		if c.token == "" {
			c.keyErr = errors.New("whatsapp: access token is empty")
		}
	})
	return c.token, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultSendTimeout}
}

// splitChunks cuts text into consecutive rune-bounded substrings of at most
// max runes. Concatenating the result reproduces the input exactly.
func splitChunks(text string, max int) []string {
	runes := []rune(text)
	if len(runes) <= max {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+max-1)/max)
	for start := 0; start < len(runes); start += max {
		end := start + max
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func parseTokenValue(raw string) string {
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err == nil && tp.Token != "" {
		return tp.Token
	}
	return strings.TrimSpace(raw)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
