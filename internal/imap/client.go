package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	imap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const (
	// maxConnAge, maxConnUploads and maxConnFaults bound how long a
	// single IMAP connection is used before it is recycled. Long-lived
	// connections tend to be dropped silently by servers mid-transfer.
	maxConnAge     = 15 * time.Minute
	maxConnUploads = 100
	maxConnFaults  = 10

	// appendAttempts is how many times an upload is tried across
	// reconnects before the error is surfaced.
	appendAttempts = 3

	// reconnectPause is the delay before re-dialing after a transport
	// fault.
	reconnectPause = time.Second

	// slowAppendWarn flags uploads that take suspiciously long, usually
	// the first symptom of a decaying session.
	slowAppendWarn = 5 * time.Second
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Message is one message to upload.
type Message struct {
	Raw          []byte
	Flags        []imap.Flag
	InternalDate time.Time // zero means let the server assign it
}

// Destination is the upload side of a transfer. It enables mocking for
// tests without a live IMAP server.
type Destination interface {
	// EnsureFolder creates the folder if needed and returns the full
	// server-side name, including any namespace prefix.
	EnsureFolder(ctx context.Context, name string) (string, error)

	// Append uploads one message to the given folder.
	Append(ctx context.Context, folder string, msg *Message) error

	Close() error
}

// TransportError marks a connection-level failure. Uploads that fail
// with one are retried on a fresh connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "imap transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// transportMarkers are substrings that identify connection-level faults
// in server error text when no typed error is available.
var transportMarkers = []string{"ssl", "socket", "logout", "connection"}

// isTransportFault reports whether err looks like a dead or broken
// connection rather than a server rejection of the message itself.
func isTransportFault(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transportMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// fullFolderName resolves a folder name against the personal namespace
// prefix. INBOX and names already carrying the prefix pass through.
func fullFolderName(prefix, name string) string {
	if name == "INBOX" || prefix == "" {
		return name
	}
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// Option is a functional option for Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// withClock overrides the clock, for tests.
func withClock(clk Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// Client implements Destination against a real IMAP server. The
// connection is established lazily and recycled when it ages out or
// accumulates faults. All methods are safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	clock  Clock

	mu          sync.Mutex
	conn        *imapclient.Client
	prefix      string
	delim       string
	connectedAt time.Time
	uploads     int
	faults      int
	folders     map[string]bool // full names known to exist
}

// NewClient creates a client for the given server. No connection is
// made until the first operation.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		logger:  slog.Default(),
		clock:   realClock{},
		folders: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// connectLocked dials, authenticates and discovers the namespace.
// Caller must hold mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := c.cfg.Addr()
	c.logger.Debug("connecting to IMAP server", "addr", addr, "ssl", c.cfg.UseSSL)

	var (
		conn *imapclient.Client
		err  error
	)
	if c.cfg.UseSSL {
		conn, err = imapclient.DialTLS(addr, nil)
	} else {
		conn, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return &TransportError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("IMAP login as %s: %w", c.cfg.Username, err)
	}

	c.conn = conn
	c.connectedAt = c.clock.Now()
	c.uploads = 0
	c.faults = 0
	c.discoverNamespaceLocked()

	c.logger.Debug("connected and authenticated",
		"user", c.cfg.Username, "prefix", c.prefix, "delimiter", c.delim)
	return nil
}

// discoverNamespaceLocked queries the personal namespace, falling back
// to the common "INBOX." hierarchy when the server does not offer one.
// Caller must hold mu.
func (c *Client) discoverNamespaceLocked() {
	c.prefix, c.delim = "INBOX.", "."

	if !c.conn.Caps().Has(imap.CapNamespace) {
		c.logger.Debug("server lacks NAMESPACE, assuming INBOX hierarchy")
		return
	}
	data, err := c.conn.Namespace().Wait()
	if err != nil || len(data.Personal) == 0 {
		c.logger.Debug("NAMESPACE query failed, assuming INBOX hierarchy", "error", err)
		return
	}

	ns := data.Personal[0]
	c.prefix = ns.Prefix
	if ns.Delim != 0 {
		c.delim = string(ns.Delim)
	}
}

// connStale reports whether a connection with the given age and
// counters should be recycled.
func connStale(age time.Duration, uploads, faults int) bool {
	return age > maxConnAge || uploads >= maxConnUploads || faults >= maxConnFaults
}

// shouldRecycleLocked reports whether the current connection has aged
// out. Caller must hold mu.
func (c *Client) shouldRecycleLocked(now time.Time) bool {
	if c.conn == nil {
		return false
	}
	return connStale(now.Sub(c.connectedAt), c.uploads, c.faults)
}

// acquireLocked makes sure a healthy connection exists, recycling a
// stale one first. Caller must hold mu.
func (c *Client) acquireLocked(ctx context.Context) error {
	now := c.clock.Now()
	if c.shouldRecycleLocked(now) {
		c.logger.Info("recycling IMAP connection",
			"age", now.Sub(c.connectedAt), "uploads", c.uploads, "faults", c.faults)
		c.logoutLocked()
	}
	if c.conn == nil {
		return c.connectLocked(ctx)
	}
	return nil
}

// logoutLocked tears down the connection, ignoring errors. Caller must
// hold mu.
func (c *Client) logoutLocked() {
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	if err := conn.Logout().Wait(); err != nil {
		c.logger.Debug("logout failed", "error", err)
		_ = conn.Close()
	}
}

// dropConn discards the connection without a clean logout. Used after
// transport faults where the connection is already suspect.
func (c *Client) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
}

// EnsureFolder resolves name against the namespace prefix and creates
// the folder if the server does not have it. Idempotent; results are
// cached for the life of the client.
func (c *Client) EnsureFolder(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.acquireLocked(ctx); err != nil {
		return "", err
	}

	full := fullFolderName(c.prefix, name)
	if c.folders[full] {
		return full, nil
	}

	items, err := c.conn.List("", full, nil).Collect()
	if err == nil && len(items) > 0 {
		c.folders[full] = true
		return full, nil
	}
	if err != nil {
		c.logger.Debug("LIST failed, trying CREATE anyway", "folder", full, "error", err)
	}

	if err := c.conn.Create(full, nil).Wait(); err != nil {
		// Racing creators and servers without LIST pattern support both
		// surface as "already exists" here.
		if !strings.Contains(strings.ToLower(err.Error()), "exist") {
			return "", fmt.Errorf("CREATE %q: %w", full, err)
		}
	}
	c.folders[full] = true
	c.logger.Info("created folder", "folder", full)
	return full, nil
}

// Append uploads one message, reconnecting and retrying on transport
// faults. Server rejections of the message itself are returned without
// a retry.
func (c *Client) Append(ctx context.Context, folder string, msg *Message) error {
	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		start := c.clock.Now()
		err := c.appendOnce(ctx, folder, msg)
		if d := c.clock.Now().Sub(start); d > slowAppendWarn {
			c.logger.Warn("slow APPEND", "folder", folder, "took", d)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransportFault(err) {
			return err
		}
		lastErr = err

		c.logger.Warn("transport fault during upload, reconnecting",
			"folder", folder, "attempt", attempt, "error", err)
		c.dropConn()

		if attempt < appendAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(reconnectPause):
			}
		}
	}
	return fmt.Errorf("upload to %q failed after %d attempts: %w", folder, appendAttempts, lastErr)
}

// appendOnce performs a single APPEND on the current connection.
func (c *Client) appendOnce(ctx context.Context, folder string, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.acquireLocked(ctx); err != nil {
		return err
	}

	opts := &imap.AppendOptions{Flags: msg.Flags}
	if !msg.InternalDate.IsZero() {
		opts.Time = msg.InternalDate
	}

	cmd := c.conn.Append(folder, int64(len(msg.Raw)), opts)
	if _, err := cmd.Write(msg.Raw); err != nil {
		c.faults++
		return &TransportError{Err: fmt.Errorf("write message: %w", err)}
	}
	if err := cmd.Close(); err != nil {
		c.faults++
		return &TransportError{Err: fmt.Errorf("finish message: %w", err)}
	}
	if _, err := cmd.Wait(); err != nil {
		if isTransportFault(err) {
			c.faults++
			return err
		}
		return fmt.Errorf("APPEND to %q: %w", folder, err)
	}

	c.uploads++
	return nil
}

// Close logs out and disconnects. Safe to call with no connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logoutLocked()
	return nil
}

// Ensure Client implements Destination.
var _ Destination = (*Client)(nil)
