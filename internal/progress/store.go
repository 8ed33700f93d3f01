// Package progress persists resumable transfer state to a JSON file.
package progress

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultFlushInterval is the minimum time between non-forced saves.
const DefaultFlushInterval = 30 * time.Second

// Record is the on-disk resume state. Field names are part of the file
// format; existing progress files from earlier runs must keep loading.
type Record struct {
	SessionID       string              `json:"session_id"`
	TotalLabels     int                 `json:"total_labels"`
	CompletedLabels int                 `json:"completed_labels"`
	CurrentLabel    string              `json:"current_label"`
	Transferred     map[string][]string `json:"transferred_messages"`
	FolderMapping   map[string]string   `json:"label_folder_mapping"`
}

// Store tracks which messages have been uploaded so an interrupted run
// can resume without re-uploading. All methods are safe for concurrent
// use; the uploader is the only writer, the fetcher only queries.
type Store struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex
	record      Record
	transferred map[string]map[string]bool // labelID -> message ID set
	lastFlush   time.Time
	now         func() time.Time
}

// Option is a functional option for Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// withNow overrides the clock, for tests.
func withNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open loads the progress file at path, creating a fresh record if the
// file is missing or unreadable. A corrupt file is logged and replaced;
// it never aborts the run.
func Open(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.record = s.load()

	s.transferred = make(map[string]map[string]bool, len(s.record.Transferred))
	for label, ids := range s.record.Transferred {
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			set[id] = true
		}
		s.transferred[label] = set
	}
	return s
}

func (s *Store) load() Record {
	fresh := Record{
		SessionID:     s.now().Format("2006-01-02_15-04-05"),
		Transferred:   map[string][]string{},
		FolderMapping: map[string]string{},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("could not read progress file, starting fresh", "path", s.path, "error", err)
		}
		return fresh
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("could not parse progress file, starting fresh", "path", s.path, "error", err)
		return fresh
	}
	if rec.Transferred == nil {
		rec.Transferred = map[string][]string{}
	}
	if rec.FolderMapping == nil {
		rec.FolderMapping = map[string]string{}
	}
	return rec
}

// Path returns the progress file path.
func (s *Store) Path() string { return s.path }

// SessionID returns the session identifier of the record.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.SessionID
}

// IsTransferred reports whether the message was already uploaded for the
// given label.
func (s *Store) IsTransferred(labelID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred[labelID][messageID]
}

// TransferredCount returns how many messages are recorded for the label.
func (s *Store) TransferredCount(labelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transferred[labelID])
}

// MarkTransferred records a successful upload. Idempotent; does not
// flush by itself.
func (s *Store) MarkTransferred(labelID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.transferred[labelID]
	if set == nil {
		set = make(map[string]bool)
		s.transferred[labelID] = set
	}
	if set[messageID] {
		return
	}
	set[messageID] = true
	s.record.Transferred[labelID] = append(s.record.Transferred[labelID], messageID)
}

// SetCurrentLabel records which label's transfer is in flight. Pass an
// empty string when no label is active.
func (s *Store) SetCurrentLabel(labelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.CurrentLabel = labelID
}

// SetFolderMapping stores the label-to-folder mapping for this run.
func (s *Store) SetFolderMapping(mapping map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.FolderMapping = make(map[string]string, len(mapping))
	for id, folder := range mapping {
		s.record.FolderMapping[id] = folder
	}
}

// FolderMapping returns a copy of the stored label-to-folder mapping.
func (s *Store) FolderMapping() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.record.FolderMapping))
	for id, folder := range s.record.FolderMapping {
		out[id] = folder
	}
	return out
}

// SetTotalLabels records the number of labels in this run.
func (s *Store) SetTotalLabels(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.TotalLabels = n
}

// IncrCompletedLabels bumps the completed-label counter.
func (s *Store) IncrCompletedLabels() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.CompletedLabels++
}

// Flush writes the record to disk. Non-forced flushes are rate limited
// to once per DefaultFlushInterval. A write failure is logged, not
// returned as fatal: the in-memory record stays authoritative and the
// next flush retries.
func (s *Store) Flush(force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !force && now.Sub(s.lastFlush) < DefaultFlushInterval {
		return
	}
	if err := s.writeLocked(); err != nil {
		s.logger.Error("failed to save progress", "path", s.path, "error", err)
		return
	}
	s.lastFlush = now
}

// writeLocked writes atomically: temp file in the same directory, then
// rename. Caller must hold mu.
func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(&s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
