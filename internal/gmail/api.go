// Package gmail provides a Gmail API client with rate limiting and retry logic.
package gmail

import (
	"context"
	"errors"
	"fmt"
)

// LabelReader provides read access to the account's labels.
type LabelReader interface {
	// ListLabels returns all labels for the account.
	ListLabels(ctx context.Context) ([]*Label, error)
}

// MessageReader provides read access to Gmail messages.
type MessageReader interface {
	// ListMessageIDs returns every message ID carrying the given label,
	// following page tokens until exhausted. Order is provider-defined.
	ListMessageIDs(ctx context.Context, labelID string) ([]string, error)

	// FetchMessage fetches a single message with raw MIME data.
	FetchMessage(ctx context.Context, messageID string) (*RawMessage, error)

	// FetchBatch fetches multiple messages in batched requests.
	// The result may be partial: IDs that failed with permanent errors
	// are logged and omitted. Callers must handle missing entries.
	FetchBatch(ctx context.Context, messageIDs []string) (map[string]*RawMessage, error)
}

// Source defines the interface for the Gmail side of a transfer.
// It enables mocking for tests without hitting the real API.
type Source interface {
	LabelReader
	MessageReader

	// Close releases any resources held by the client.
	Close() error
}

// Label represents a Gmail label.
type Label struct {
	ID            string
	Name          string
	Type          string // "system" or "user"
	MessagesTotal int64
}

// SystemLabelIDs are label IDs that are never transferred.
var SystemLabelIDs = map[string]bool{
	"CHAT":                true,
	"CATEGORY_FORUMS":     true,
	"CATEGORY_UPDATES":    true,
	"CATEGORY_PROMOTIONS": true,
	"CATEGORY_SOCIAL":     true,
}

// RawMessage contains the raw MIME data for a message.
type RawMessage struct {
	ID           string
	LabelIDs     []string
	InternalDate int64 // Unix milliseconds, as reported by Gmail
	SizeEstimate int64
	Raw          []byte // Decoded from base64url
}

// NotFoundError indicates a 404 response; the message no longer exists
// on the source.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// RateLimitError indicates the API rejected a request with HTTP 429 or
// a quota-exceeded 403.
type RateLimitError struct {
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%d)", e.StatusCode)
}

// IsRateLimit reports whether err is a rate-limit rejection.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
