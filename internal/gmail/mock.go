package gmail

import (
	"context"
	"fmt"
	"sync"
)

// MockSource is a mock implementation of Source for testing.
type MockSource struct {
	mu sync.Mutex

	// Labels to return
	Labels []*Label

	// Messages indexed by ID
	Messages map[string]*RawMessage

	// Message IDs per label
	LabelMessages map[string][]string

	// Error injection
	LabelsError       error
	ListMessagesError error
	FetchError        map[string]error // Per-message errors
	BatchError        error

	// FetchErrorOnce injects an error for the first fetch of a message,
	// then succeeds. Useful for retry tests.
	FetchErrorOnce map[string]error

	// OmitFromBatch drops the given IDs from FetchBatch results while
	// leaving FetchMessage working, simulating a partial batch.
	OmitFromBatch map[string]bool

	// Call tracking for assertions
	LabelsCalls int
	ListCalls   []string
	FetchCalls  []string
	BatchCalls  [][]string
	CloseCalls  int
}

// NewMockSource creates a new mock source with empty state.
func NewMockSource() *MockSource {
	return &MockSource{
		Messages:       make(map[string]*RawMessage),
		LabelMessages:  make(map[string][]string),
		FetchError:     make(map[string]error),
		FetchErrorOnce: make(map[string]error),
	}
}

// AddMessage registers a message under the given labels.
func (m *MockSource) AddMessage(msg *RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages[msg.ID] = msg
	for _, labelID := range msg.LabelIDs {
		m.LabelMessages[labelID] = append(m.LabelMessages[labelID], msg.ID)
	}
}

// ListLabels returns the mock labels.
func (m *MockSource) ListLabels(ctx context.Context) ([]*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LabelsCalls++

	if m.LabelsError != nil {
		return nil, m.LabelsError
	}
	return m.Labels, nil
}

// ListMessageIDs returns the registered IDs for a label.
func (m *MockSource) ListMessageIDs(ctx context.Context, labelID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls = append(m.ListCalls, labelID)

	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}
	return append([]string(nil), m.LabelMessages[labelID]...), nil
}

// FetchMessage returns the registered message or an injected error.
func (m *MockSource) FetchMessage(ctx context.Context, messageID string) (*RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls = append(m.FetchCalls, messageID)

	if err, ok := m.FetchErrorOnce[messageID]; ok {
		delete(m.FetchErrorOnce, messageID)
		return nil, err
	}
	if err := m.FetchError[messageID]; err != nil {
		return nil, err
	}
	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: fmt.Sprintf("/users/me/messages/%s", messageID)}
	}
	return msg, nil
}

// FetchBatch returns the registered messages for the given IDs. Missing
// or error-injected IDs are omitted, mirroring the real client's
// partial-result behavior.
func (m *MockSource) FetchBatch(ctx context.Context, messageIDs []string) (map[string]*RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchCalls = append(m.BatchCalls, append([]string(nil), messageIDs...))

	if m.BatchError != nil {
		return nil, m.BatchError
	}

	results := make(map[string]*RawMessage, len(messageIDs))
	for _, id := range messageIDs {
		if m.FetchError[id] != nil || m.OmitFromBatch[id] {
			continue
		}
		if msg, ok := m.Messages[id]; ok {
			results[id] = msg
		}
	}
	return results, nil
}

// Close records the call.
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Ensure MockSource implements Source.
var _ Source = (*MockSource)(nil)
