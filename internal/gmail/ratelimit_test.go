package gmail

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock advances instantly on After and records each requested
// sleep, so code that blocks on the clock runs without real delays.
type fakeClock struct {
	mu      sync.Mutex
	current time.Time
	sleeps  []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.current = c.current.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.current
	return ch
}

func (c *fakeClock) recordedSleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func TestOperationCost(t *testing.T) {
	tests := []struct {
		op   Operation
		want int
	}{
		{OpMessagesGet, 5},
		{OpMessagesList, 5},
		{OpBatchGet, 5},
		{OpLabelsList, 1},
	}
	for _, tt := range tests {
		if got := tt.op.Cost(); got != tt.want {
			t.Errorf("Cost(%d) = %d, want %d", tt.op, got, tt.want)
		}
	}
}

func TestAcquireImmediateWhenTokensAvailable(t *testing.T) {
	clk := newFakeClock()
	rl := newRateLimiter(clk, 5)

	if err := rl.Acquire(context.Background(), OpMessagesGet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if sleeps := clk.recordedSleeps(); len(sleeps) != 0 {
		t.Errorf("expected no waiting, got sleeps %v", sleeps)
	}
	if got := rl.Available(); got != DefaultCapacity-5 {
		t.Errorf("Available = %v, want %v", got, DefaultCapacity-5.0)
	}
}

func TestAcquireWaitsWhenExhausted(t *testing.T) {
	clk := newFakeClock()
	rl := newRateLimiter(clk, 5)

	// Drain the bucket.
	ctx := context.Background()
	for i := 0; i < DefaultCapacity/5; i++ {
		if err := rl.Acquire(ctx, OpMessagesGet); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if len(clk.recordedSleeps()) != 0 {
		t.Fatal("draining the full bucket should not wait")
	}

	if err := rl.Acquire(ctx, OpMessagesGet); err != nil {
		t.Fatalf("Acquire after drain: %v", err)
	}
	if len(clk.recordedSleeps()) == 0 {
		t.Error("acquire on an empty bucket should wait for refill")
	}
}

func TestThrottleBlocksUntilWindowPasses(t *testing.T) {
	clk := newFakeClock()
	rl := newRateLimiter(clk, 5)

	rl.Throttle(30 * time.Second)

	if err := rl.Acquire(context.Background(), OpMessagesGet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sleeps := clk.recordedSleeps()
	if len(sleeps) == 0 || sleeps[0] != 30*time.Second {
		t.Errorf("first wait should cover the throttle window, got %v", sleeps)
	}
}

func TestThrottleDoesNotShortenExistingWindow(t *testing.T) {
	clk := newFakeClock()
	rl := newRateLimiter(clk, 5)

	rl.Throttle(60 * time.Second)
	rl.Throttle(10 * time.Second)

	if err := rl.Acquire(context.Background(), OpMessagesGet); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sleeps := clk.recordedSleeps()
	if len(sleeps) == 0 || sleeps[0] != 60*time.Second {
		t.Errorf("shorter throttle must not shrink the window, got %v", sleeps)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	clk := newFakeClock()
	rl := newRateLimiter(clk, 5)
	rl.Throttle(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rl.Acquire(ctx, OpMessagesGet); err != context.Canceled {
		t.Errorf("Acquire = %v, want context.Canceled", err)
	}
}

func TestQPSClampedToMinimum(t *testing.T) {
	clk := newFakeClock()
	rl := newRateLimiter(clk, 0)

	want := DefaultRefillRate * MinQPS / 5.0
	if rl.refillRate != want {
		t.Errorf("refillRate = %v, want %v", rl.refillRate, want)
	}
}

func TestRefillCapsAtCapacity(t *testing.T) {
	clk := newFakeClock()
	rl := newRateLimiter(clk, 5)

	clk.After(time.Hour) // advance well past full refill
	if got := rl.Available(); got != DefaultCapacity {
		t.Errorf("Available = %v, want capacity %v", got, DefaultCapacity)
	}
}
