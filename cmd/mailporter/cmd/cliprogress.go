package cmd

import (
	"fmt"
	"time"

	"github.com/mailporter/mailporter/internal/transfer"
)

// CLIProgress implements transfer.Reporter for terminal output.
type CLIProgress struct {
	startTime time.Time
	lastPrint time.Time
	label     string
	done      int
	pending   int
}

func (p *CLIProgress) LabelStarted(name, folder string, pending int) {
	now := time.Now()
	p.startTime = now
	p.lastPrint = now
	p.label = name
	p.done = 0
	p.pending = pending
	if pending == 0 {
		fmt.Printf("%s -> %s: up to date\n", name, folder)
		return
	}
	fmt.Printf("%s -> %s: %d to transfer\n", name, folder, pending)
}

func (p *CLIProgress) MessageTransferred(label string, done, pending int) {
	if p.startTime.IsZero() {
		now := time.Now()
		p.startTime = now
		p.lastPrint = now
	}
	p.done = done
	p.pending = pending
	p.printProgress()
}

func (p *CLIProgress) LabelDone(name string) {
	if p.done > 0 {
		fmt.Println()
	}
}

// printProgress redraws the status line, throttled to every 2 seconds.
func (p *CLIProgress) printProgress() {
	if time.Since(p.lastPrint) < 2*time.Second {
		return
	}
	p.lastPrint = time.Now()

	elapsed := time.Since(p.startTime)
	rate := 0.0
	if elapsed.Seconds() >= 1 {
		rate = float64(p.done) / elapsed.Seconds()
	}

	fmt.Printf("\r  %s: %d/%d | Rate: %.1f/s | Elapsed: %s    ",
		p.label, p.done, p.pending, rate, formatDuration(elapsed))
}

// RunSummary prints final counters after the engine returns.
func (p *CLIProgress) RunSummary(stats transfer.Stats) {
	fmt.Printf("\nDone. %d transferred, %d already present, %d failed across %d labels.\n",
		stats.Transferred, stats.Skipped, stats.Failed, stats.Labels)
	if total := stats.CacheHits + stats.CacheMisses; total > 0 {
		fmt.Printf("Cache: %d hits, %d misses (%.0f%% hit rate).\n",
			stats.CacheHits, stats.CacheMisses,
			100*float64(stats.CacheHits)/float64(total))
	}
	if stats.Failed > 0 {
		fmt.Printf("Failed messages will be retried on the next run.\n")
	}
}

// formatDuration formats a duration as "Xs", "Xm Ys" or "Xh Ym".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
