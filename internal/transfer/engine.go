package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mailporter/mailporter/internal/gmail"
	"github.com/mailporter/mailporter/internal/imap"
	"github.com/mailporter/mailporter/internal/progress"
	"github.com/mailporter/mailporter/internal/retry"
)

const (
	// queueCapacity bounds the fetcher-to-uploader queue, and with it
	// the number of raw messages held in memory.
	queueCapacity = 100

	// dequeueTimeout keeps the uploader from blocking forever if the
	// fetcher died without closing the queue.
	dequeueTimeout = 30 * time.Second

	// joinTimeout is how long stage shutdown may take before a warning.
	joinTimeout = 10 * time.Second

	// timeoutWarnAfter is the number of consecutive empty dequeues that
	// triggers a stall warning.
	timeoutWarnAfter = 10

	// slowUploadWarn flags individual uploads that take suspiciously
	// long, usually a sign of a dying IMAP session.
	slowUploadWarn = 3 * time.Second

	// healthInterval is how often the supervisor logs run health.
	healthInterval = 30 * time.Second

	// DefaultBatchSize is the fetcher batch size.
	DefaultBatchSize = 50

	// DefaultSaveInterval is the number of uploads between non-forced
	// progress flushes.
	DefaultSaveInterval = 50
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Stats accumulates counters across the whole run.
type Stats struct {
	Labels      int
	Transferred int
	Skipped     int
	Failed      int
	CacheHits   int
	CacheMisses int
}

// Reporter receives progress callbacks during a run. Implementations
// must be fast; they are called from the uploader loop.
type Reporter interface {
	LabelStarted(name, folder string, pending int)
	MessageTransferred(label string, done, pending int)
	LabelDone(name string)
}

// Options configures an Engine.
type Options struct {
	BatchSize     int
	SaveInterval  int
	LabelMappings map[string]string
	Logger        *slog.Logger
	Clock         Clock
	Reporter      Reporter
}

// Engine drives the per-label fetch/upload pipeline. One label is live
// at a time; within a label the fetcher and uploader run concurrently,
// joined by a bounded queue of message refs.
type Engine struct {
	source gmail.Source
	sink   imap.Destination
	store  *progress.Store

	batchSize    int
	saveInterval int
	mappings     map[string]string
	logger       *slog.Logger
	clock        Clock
	reporter     Reporter

	shutdown  atomic.Bool
	cancelMu  sync.Mutex
	cancelRun context.CancelFunc

	cacheMu     sync.Mutex
	cache       map[string]*imap.Message
	cacheHits   int
	cacheMisses int

	statsMu sync.Mutex
	stats   Stats
}

// New creates an Engine. The progress store is shared with the caller,
// which owns its lifetime.
func New(source gmail.Source, sink imap.Destination, store *progress.Store, opts Options) *Engine {
	e := &Engine{
		source:       source,
		sink:         sink,
		store:        store,
		batchSize:    opts.BatchSize,
		saveInterval: opts.SaveInterval,
		mappings:     opts.LabelMappings,
		logger:       opts.Logger,
		clock:        opts.Clock,
		reporter:     opts.Reporter,
		cache:        make(map[string]*imap.Message),
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.saveInterval <= 0 {
		e.saveInterval = DefaultSaveInterval
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = realClock{}
	}
	return e
}

// Shutdown requests a graceful stop. Both stages drain at their next
// check-point; progress is force-flushed before Run returns. Safe to
// call from a signal handler goroutine.
func (e *Engine) Shutdown() {
	e.shutdown.Store(true)
	e.cancelMu.Lock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	e.cancelMu.Unlock()
}

// Run transfers every transferable label sequentially and returns the
// accumulated stats. A graceful shutdown is not an error.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancelRun = cancel
	e.cancelMu.Unlock()
	defer cancel()

	defer func() {
		e.store.Flush(true)
		if err := e.sink.Close(); err != nil {
			e.logger.Debug("IMAP logout failed", "error", err)
		}
		e.clearCache()
	}()

	stopHealth := e.startHealthLog()
	defer stopHealth()

	labels, err := e.source.ListLabels(ctx)
	if err != nil {
		return e.snapshotStats(), fmt.Errorf("list labels: %w", err)
	}

	var work []*gmail.Label
	for _, l := range labels {
		if Transferable(l) {
			work = append(work, l)
		}
	}

	mapping := BuildFolderMapping(labels, e.mappings)
	e.store.SetFolderMapping(mapping)
	e.store.SetTotalLabels(len(work))
	e.store.Flush(true)

	e.logger.Info("starting transfer", "labels", len(work))

	var firstErr error
	for _, label := range work {
		if e.shutdown.Load() || ctx.Err() != nil {
			break
		}

		if err := e.transferLabel(ctx, label, mapping[label.ID]); err != nil {
			if ctx.Err() != nil || e.shutdown.Load() {
				break
			}
			e.logger.Error("label transfer failed", "label", label.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		e.store.IncrCompletedLabels()
		e.store.SetCurrentLabel("")
		e.store.Flush(true)
		e.noteLabelDone()
		if e.reporter != nil {
			e.reporter.LabelDone(label.Name)
		}
	}

	stats := e.snapshotStats()
	e.logger.Info("transfer finished",
		"labels", stats.Labels,
		"transferred", stats.Transferred,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"cache_hits", stats.CacheHits,
		"cache_misses", stats.CacheMisses)
	return stats, firstErr
}

// transferLabel runs the two-stage pipeline for one label.
func (e *Engine) transferLabel(ctx context.Context, label *gmail.Label, folder string) error {
	transferID := uuid.NewString()
	logger := e.logger.With("transfer_id", transferID, "label", label.Name)

	e.store.SetCurrentLabel(label.ID)
	e.store.Flush(true)

	ids, err := e.source.ListMessageIDs(ctx, label.ID)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	pending := 0
	for _, id := range ids {
		if !e.store.IsTransferred(label.ID, id) {
			pending++
		}
	}
	logger.Info("transferring label", "folder", folder, "messages", len(ids), "pending", pending)
	if e.reporter != nil {
		e.reporter.LabelStarted(label.Name, folder, pending)
	}

	fullFolder, err := e.sink.EnsureFolder(ctx, folder)
	if err != nil {
		return fmt.Errorf("ensure folder %q: %w", folder, err)
	}

	queue := make(chan string, queueCapacity)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.runFetcher(gctx, logger, label.ID, ids, queue)
	})
	g.Go(func() error {
		return e.runUploader(gctx, logger, label.ID, label.Name, fullFolder, pending, queue)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err = <-done:
	case <-e.clock.After(joinTimeout):
		logger.Warn("pipeline slow to stop, still waiting", "timeout", joinTimeout)
		err = <-done
	}

	e.store.Flush(true)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runFetcher is stage F: it walks the id list in batches, skips ids the
// store already has, fetches the rest, fills the cache and feeds the
// queue. The queue is always closed on exit so the uploader can drain.
func (e *Engine) runFetcher(ctx context.Context, logger *slog.Logger, labelID string, ids []string, queue chan<- string) error {
	defer close(queue)

	for start := 0; start < len(ids); start += e.batchSize {
		if e.shutdown.Load() || ctx.Err() != nil {
			return nil
		}
		batch := ids[start:min(start+e.batchSize, len(ids))]

		// Partition: already transferred, already cached, to fetch.
		var toFetch []string
		for _, id := range batch {
			if e.store.IsTransferred(labelID, id) {
				e.noteSkipped()
				continue
			}
			if e.cacheHas(id) {
				continue
			}
			toFetch = append(toFetch, id)
		}

		if len(toFetch) > 0 {
			msgs, err := e.source.FetchBatch(ctx, toFetch)
			if err != nil {
				return fmt.Errorf("fetch batch: %w", err)
			}
			if len(msgs) < len(toFetch) {
				logger.Warn("partial batch from source",
					"requested", len(toFetch), "received", len(msgs))
			}
			for id, raw := range msgs {
				e.cachePut(id, buildMessage(raw))
			}
		}

		for _, id := range batch {
			if e.store.IsTransferred(labelID, id) {
				continue
			}
			select {
			case queue <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// runUploader is stage U: it drains the queue, resolves each ref from
// the cache (falling back to a single fetch), appends it, records it in
// the store and evicts it. Per-message failures are logged, counted and
// left for the next run.
func (e *Engine) runUploader(ctx context.Context, logger *slog.Logger, labelID, labelName, folder string, pending int, queue <-chan string) error {
	uploadsSinceFlush := 0
	consecutiveTimeouts := 0
	done := 0

	for {
		if e.shutdown.Load() {
			return nil
		}

		select {
		case id, ok := <-queue:
			if !ok {
				return nil
			}
			consecutiveTimeouts = 0

			// A resume window could race the fetcher's check.
			if e.store.IsTransferred(labelID, id) {
				continue
			}

			if err := e.uploadOne(ctx, logger, labelID, folder, id); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("message failed, will retry next run", "id", id, "error", err)
				e.noteFailed()
				continue
			}

			done++
			e.noteTransferred()
			if e.reporter != nil {
				e.reporter.MessageTransferred(labelName, done, pending)
			}

			uploadsSinceFlush++
			if uploadsSinceFlush >= e.saveInterval {
				e.store.Flush(false)
				uploadsSinceFlush = 0
			}

		case <-e.clock.After(dequeueTimeout):
			consecutiveTimeouts++
			if consecutiveTimeouts >= timeoutWarnAfter {
				logger.Warn("uploader starved, fetcher may be stalled",
					"consecutive_timeouts", consecutiveTimeouts)
				consecutiveTimeouts = 0
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// uploadOne resolves and appends a single message, then records it.
// The append is wrapped in a retry that absorbs transient IMAP faults
// the sink's own reconnect logic did not.
func (e *Engine) uploadOne(ctx context.Context, logger *slog.Logger, labelID, folder, id string) error {
	msg, hit := e.cacheGet(id)
	if hit {
		e.noteCacheHit()
	} else {
		// The fetch stage produced a partial batch; recover directly.
		logger.Debug("cache miss, fetching single message", "id", id)
		raw, err := e.source.FetchMessage(ctx, id)
		if err != nil {
			return fmt.Errorf("refetch %s: %w", id, err)
		}
		msg = buildMessage(raw)
	}

	policy := retry.Policy{
		Attempts:  3,
		BaseDelay: 2 * time.Second,
		Clock:     e.clock,
		Logger:    logger,
	}
	start := e.clock.Now()
	err := policy.Do(ctx, "append "+id, func() error {
		return e.sink.Append(ctx, folder, msg)
	})
	if err != nil {
		return err
	}
	if d := e.clock.Now().Sub(start); d > slowUploadWarn {
		logger.Warn("slow upload", "id", id, "took", d)
	}

	e.store.MarkTransferred(labelID, id)
	e.cacheEvict(id)
	return nil
}

// startHealthLog launches the periodic health logger and returns its
// stop function. It runs on wall-clock time regardless of the injected
// clock; tests finish before the first tick.
func (e *Engine) startHealthLog() func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s := e.snapshotStats()
				e.cacheMu.Lock()
				cached := len(e.cache)
				e.cacheMu.Unlock()
				e.logger.Info("transfer health",
					"transferred", s.Transferred,
					"skipped", s.Skipped,
					"failed", s.Failed,
					"cached", cached)
			}
		}
	}()
	return func() { close(stop) }
}

func (e *Engine) cacheHas(id string) bool {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	_, ok := e.cache[id]
	return ok
}

func (e *Engine) cachePut(id string, msg *imap.Message) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if _, ok := e.cache[id]; ok {
		return
	}
	e.cache[id] = msg
	e.cacheMisses++
}

func (e *Engine) cacheGet(id string) (*imap.Message, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	msg, ok := e.cache[id]
	return msg, ok
}

func (e *Engine) cacheEvict(id string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.cache, id)
}

func (e *Engine) clearCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = make(map[string]*imap.Message)
}

// cacheSize reports current cache residency, for tests and health logs.
func (e *Engine) cacheSize() int {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return len(e.cache)
}

func (e *Engine) noteTransferred() {
	e.statsMu.Lock()
	e.stats.Transferred++
	e.statsMu.Unlock()
}

func (e *Engine) noteSkipped() {
	e.statsMu.Lock()
	e.stats.Skipped++
	e.statsMu.Unlock()
}

func (e *Engine) noteFailed() {
	e.statsMu.Lock()
	e.stats.Failed++
	e.statsMu.Unlock()
}

func (e *Engine) noteLabelDone() {
	e.statsMu.Lock()
	e.stats.Labels++
	e.statsMu.Unlock()
}

func (e *Engine) noteCacheHit() {
	e.cacheMu.Lock()
	e.cacheHits++
	e.cacheMu.Unlock()
}

// snapshotStats folds the cache counters into a copy of the stats.
func (e *Engine) snapshotStats() Stats {
	e.statsMu.Lock()
	s := e.stats
	e.statsMu.Unlock()

	e.cacheMu.Lock()
	s.CacheHits = e.cacheHits
	s.CacheMisses = e.cacheMisses
	e.cacheMu.Unlock()
	return s
}
