package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultBaseURL  = "https://gmail.googleapis.com/gmail/v1"
	defaultBatchURL = "https://gmail.googleapis.com/batch/gmail/v1"

	// maxRetries bounds retries of a single HTTP call on network and
	// server errors. Rate-limit handling lives in FetchBatch, which
	// owns the 429 policy.
	maxRetries = 3
)

// Client implements Source against the Gmail REST API.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	clock       Clock
	userID      string // "me" for authenticated user
	baseURL     string
	batchURL    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) {
		c.rateLimiter = rl
	}
}

// NewClient creates a new Gmail API client.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		userID:     "me",
		logger:     slog.Default(),
		clock:      realClock{},
		baseURL:    defaultBaseURL,
		batchURL:   defaultBatchURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(defaultQPS)
	}

	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	// HTTP client doesn't need explicit closing
	return nil
}

// request makes an HTTP GET with rate limiting, retrying network and
// server errors. 429 and quota 403 come back as *RateLimitError without
// a retry: the caller's policy decides how long to wait.
func (c *Client) request(ctx context.Context, op Operation, path string) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return respBody, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			c.rateLimiter.Throttle(30 * time.Second)
			return nil, &RateLimitError{StatusCode: resp.StatusCode}

		case resp.StatusCode == http.StatusForbidden:
			// Gmail returns 403 with "rateLimitExceeded" for quota exhaustion.
			if isRateLimitBody(respBody) {
				c.rateLimiter.Throttle(60 * time.Second)
				return nil, &RateLimitError{StatusCode: resp.StatusCode}
			}
			return nil, fmt.Errorf("forbidden (403): %s", string(respBody))

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case resp.StatusCode == http.StatusUnauthorized:
			// oauth2.Client should auto-refresh; if it fails, don't retry.
			return nil, fmt.Errorf("unauthorized (401): token may be invalid")

		case resp.StatusCode == http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		default:
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, string(respBody))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRateLimitBody checks if a 403 response is actually a rate limit error.
func isRateLimitBody(body []byte) bool {
	return bytes.Contains(body, []byte("rateLimitExceeded")) ||
		bytes.Contains(body, []byte("RATE_LIMIT_EXCEEDED")) ||
		bytes.Contains(body, []byte("userRateLimitExceeded")) ||
		bytes.Contains(body, []byte("Quota exceeded"))
}

// Gmail API JSON response types (unexported, used only for JSON unmarshaling).

type gmailLabel struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	MessagesTotal int64  `json:"messagesTotal"`
}

type listLabelsResponse struct {
	Labels []gmailLabel `json:"labels"`
}

type gmailMessageRef struct {
	ID string `json:"id"`
}

type listMessagesResponse struct {
	Messages      []gmailMessageRef `json:"messages"`
	NextPageToken string            `json:"nextPageToken"`
}

type rawMessageResponse struct {
	ID           string   `json:"id"`
	LabelIDs     []string `json:"labelIds"`
	InternalDate string   `json:"internalDate"`
	SizeEstimate int64    `json:"sizeEstimate"`
	Raw          string   `json:"raw"` // base64url encoded (unpadded)
}

// decodeBase64URL decodes a base64url-encoded string, tolerating optional
// padding. Gmail typically returns unpadded base64url.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// ListLabels returns all labels for the account.
func (c *Client) ListLabels(ctx context.Context) ([]*Label, error) {
	path := fmt.Sprintf("/users/%s/labels", c.userID)
	data, err := c.request(ctx, OpLabelsList, path)
	if err != nil {
		return nil, err
	}

	var resp listLabelsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse labels: %w", err)
	}

	labels := make([]*Label, len(resp.Labels))
	for i, l := range resp.Labels {
		labels[i] = &Label{
			ID:            l.ID,
			Name:          l.Name,
			Type:          l.Type,
			MessagesTotal: l.MessagesTotal,
		}
	}
	return labels, nil
}

// ListMessageIDs returns every message ID for the given label, following
// page tokens until exhausted.
func (c *Client) ListMessageIDs(ctx context.Context, labelID string) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		params := url.Values{}
		params.Set("maxResults", "500")
		params.Set("labelIds", labelID)
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		path := fmt.Sprintf("/users/%s/messages?%s", c.userID, params.Encode())
		data, err := c.request(ctx, OpMessagesList, path)
		if err != nil {
			return nil, fmt.Errorf("list messages for label %s: %w", labelID, err)
		}

		var resp listMessagesResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("parse messages: %w", err)
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.ID)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return ids, nil
		}
	}
}

// FetchMessage fetches a single message with raw MIME data.
func (c *Client) FetchMessage(ctx context.Context, messageID string) (*RawMessage, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, messageID)
	data, err := c.request(ctx, OpMessagesGet, path)
	if err != nil {
		return nil, err
	}
	return parseRawMessage(data)
}

// parseRawMessage decodes a message resource in raw format.
func parseRawMessage(data []byte) (*RawMessage, error) {
	var resp rawMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	rawBytes, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw MIME: %w", err)
	}

	var internalDate int64
	fmt.Sscanf(resp.InternalDate, "%d", &internalDate)

	return &RawMessage{
		ID:           resp.ID,
		LabelIDs:     resp.LabelIDs,
		InternalDate: internalDate,
		SizeEstimate: resp.SizeEstimate,
		Raw:          rawBytes,
	}, nil
}

// Ensure Client implements Source interface.
var _ Source = (*Client)(nil)
