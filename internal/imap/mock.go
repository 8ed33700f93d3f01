package imap

import (
	"context"
	"sync"
)

// MockDestination is a mock implementation of Destination for testing.
type MockDestination struct {
	mu sync.Mutex

	// FolderPrefix is prepended by EnsureFolder, mimicking a personal
	// namespace prefix.
	FolderPrefix string

	// Error injection
	EnsureError error
	AppendError error

	// AppendErrorOnce fails the next Append call, then clears itself.
	// Useful for retry tests.
	AppendErrorOnce error

	// AppendFunc, when set, is consulted before the default behavior.
	AppendFunc func(folder string, msg *Message) error

	// Call tracking for assertions
	EnsuredFolders []string
	Appended       map[string][]*Message // folder -> messages
	CloseCalls     int
}

// NewMockDestination creates a new mock destination with empty state.
func NewMockDestination() *MockDestination {
	return &MockDestination{
		Appended: make(map[string][]*Message),
	}
}

// EnsureFolder records the call and returns the prefixed name.
func (m *MockDestination) EnsureFolder(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnsuredFolders = append(m.EnsuredFolders, name)

	if m.EnsureError != nil {
		return "", m.EnsureError
	}
	return fullFolderName(m.FolderPrefix, name), nil
}

// Append records the uploaded message or returns an injected error.
func (m *MockDestination) Append(ctx context.Context, folder string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErrorOnce != nil {
		err := m.AppendErrorOnce
		m.AppendErrorOnce = nil
		return err
	}
	if m.AppendError != nil {
		return m.AppendError
	}
	if m.AppendFunc != nil {
		if err := m.AppendFunc(folder, msg); err != nil {
			return err
		}
	}
	m.Appended[folder] = append(m.Appended[folder], msg)
	return nil
}

// AppendedCount returns how many messages landed in the folder.
func (m *MockDestination) AppendedCount(folder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Appended[folder])
}

// Close records the call.
func (m *MockDestination) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

// Ensure MockDestination implements Destination.
var _ Destination = (*MockDestination)(nil)
