package gmail

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/mailporter/mailporter/internal/retry"
)

const (
	// maxBatchSize is the number of messages per batch HTTP request.
	// Gmail allows up to 100, but large batches trip per-user rate
	// limits far more often.
	maxBatchSize = 25

	// batchAttempts is how many passes a chunk gets before the
	// remaining IDs fall back to single fetches.
	batchAttempts = 3

	// interChunkPause is the delay between consecutive chunks.
	interChunkPause = 2 * time.Second
)

// FetchBatch fetches messages in chunks via the batch endpoint. IDs that
// keep hitting rate limits are retried with escalating sleeps and finally
// fetched one at a time. IDs that fail with permanent errors are logged
// and omitted from the result, so the returned map may be partial.
func (c *Client) FetchBatch(ctx context.Context, messageIDs []string) (map[string]*RawMessage, error) {
	results := make(map[string]*RawMessage, len(messageIDs))

	for start := 0; start < len(messageIDs); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}
		chunk := messageIDs[start:end]

		if err := c.fetchChunk(ctx, chunk, results); err != nil {
			return results, err
		}

		if end < len(messageIDs) {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-c.clock.After(interChunkPause):
			}
		}
	}

	return results, nil
}

// fetchChunk runs the retry passes for one chunk, writing successes into
// results. Only context cancellation and transport-level failures abort;
// per-message failures degrade to single fetches.
func (c *Client) fetchChunk(ctx context.Context, chunk []string, results map[string]*RawMessage) error {
	pending := chunk

	for attempt := 0; attempt < batchAttempts && len(pending) > 0; attempt++ {
		if attempt > 0 {
			// Previous pass left rate-limited items behind.
			backoff := (5 * time.Second) << (attempt - 1)
			c.logger.Info("rate limited in batch, backing off",
				"pending", len(pending), "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(backoff):
			}
		}

		retryIDs, err := c.doBatchRequest(ctx, pending, results)
		if err != nil {
			if IsRateLimit(err) {
				// The whole batch was rejected; wait longer than for
				// per-item rejections before trying again.
				backoff := (10 * time.Second) << attempt
				c.logger.Warn("batch request rate limited", "backoff", backoff)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-c.clock.After(backoff):
				}
				continue
			}
			return err
		}
		pending = retryIDs
	}

	// Whatever is still pending gets fetched individually.
	for _, id := range pending {
		msg, err := c.fetchSingleWithRetry(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("giving up on message", "id", id, "error", err)
			continue
		}
		results[msg.ID] = msg
	}
	return nil
}

// fetchSingleWithRetry fetches one message, retrying rate-limit
// rejections with exponential backoff.
func (c *Client) fetchSingleWithRetry(ctx context.Context, id string) (*RawMessage, error) {
	policy := retry.Policy{
		Attempts:  3,
		BaseDelay: 2 * time.Second,
		Retryable: IsRateLimit,
		Clock:     c.clock,
		Logger:    c.logger,
	}

	var msg *RawMessage
	err := policy.Do(ctx, "fetch message "+id, func() error {
		var ferr error
		msg, ferr = c.FetchMessage(ctx, id)
		return ferr
	})
	return msg, err
}

// doBatchRequest issues one multipart batch call for ids. Fetched
// messages go into results; the returned slice holds IDs that were
// rate limited inside the batch and should be retried. Permanent
// per-item failures are logged and dropped.
func (c *Client) doBatchRequest(ctx context.Context, ids []string, results map[string]*RawMessage) ([]string, error) {
	for range ids {
		if err := c.rateLimiter.Acquire(ctx, OpBatchGet); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	body, contentType := buildBatchBody(c.userID, ids)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, body)
	if err != nil {
		return nil, fmt.Errorf("create batch request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.rateLimiter.Throttle(30 * time.Second)
		return nil, &RateLimitError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("batch request failed (%d): %s", resp.StatusCode, string(respBody))
	}

	return c.parseBatchResponse(resp, results)
}

// buildBatchBody assembles the multipart/mixed request body. Each part
// carries an application/http GET for one message in raw format, tagged
// with a Content-ID so the response can be matched back to its ID.
func buildBatchBody(userID string, ids []string) (io.Reader, string) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, id := range ids {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/http")
		h.Set("Content-ID", "<item-"+id+">")
		part, _ := w.CreatePart(h)
		fmt.Fprintf(part, "GET /gmail/v1/users/%s/messages/%s?format=raw\r\n\r\n", userID, id)
	}
	w.Close()

	return &buf, "multipart/mixed; boundary=" + w.Boundary()
}

// parseBatchResponse walks the multipart response. Each part wraps a full
// HTTP response for one message. Returns the IDs that came back 429.
func (c *Client) parseBatchResponse(resp *http.Response, results map[string]*RawMessage) ([]string, error) {
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("parse batch content type: %w", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("batch response missing multipart boundary")
	}

	var retryIDs []string
	mr := multipart.NewReader(resp.Body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return retryIDs, fmt.Errorf("read batch part: %w", err)
		}

		id := idFromContentID(part.Header.Get("Content-ID"))

		partResp, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			c.logger.Warn("unreadable batch part", "id", id, "error", err)
			part.Close()
			continue
		}
		partBody, err := io.ReadAll(partResp.Body)
		partResp.Body.Close()
		part.Close()
		if err != nil {
			c.logger.Warn("unreadable batch part body", "id", id, "error", err)
			continue
		}

		switch {
		case partResp.StatusCode == http.StatusOK:
			msg, err := parseRawMessage(partBody)
			if err != nil {
				c.logger.Warn("unparseable message in batch", "id", id, "error", err)
				continue
			}
			results[msg.ID] = msg

		case partResp.StatusCode == http.StatusTooManyRequests:
			if id != "" {
				retryIDs = append(retryIDs, id)
			}

		case partResp.StatusCode == http.StatusNotFound:
			c.logger.Warn("message gone from source, skipping", "id", id)

		default:
			c.logger.Warn("message failed in batch, skipping",
				"id", id, "status", partResp.StatusCode)
		}
	}

	return retryIDs, nil
}

// idFromContentID recovers the message ID from a batch part Content-ID
// like "<response-item-ABC123>".
func idFromContentID(contentID string) string {
	s := strings.Trim(contentID, "<>")
	s = strings.TrimPrefix(s, "response-")
	s = strings.TrimPrefix(s, "item-")
	return s
}
