package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mailporter/mailporter/internal/gmail"
	"github.com/mailporter/mailporter/internal/imap"
	"github.com/mailporter/mailporter/internal/oauth"
	"github.com/mailporter/mailporter/internal/progress"
	"github.com/mailporter/mailporter/internal/transfer"
)

var (
	verifyLabels bool
	dryRun       bool
)

// runTransfer is the root command: it wires the Gmail source, the IMAP
// sink and the progress store into the engine and runs the transfer.
func runTransfer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	source, err := newGmailSource(ctx)
	if err != nil {
		return err
	}
	defer source.Close()

	if verifyLabels {
		return printLabelMapping(ctx, source)
	}
	if dryRun {
		return printDryRun(ctx, source)
	}

	imapCfg := imap.Config{
		Host:     cfg.IMAP.Server,
		Port:     cfg.IMAP.Port,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		UseSSL:   cfg.IMAP.UseSSL,
	}
	sink := imap.NewClient(imapCfg, imap.WithLogger(logger))
	logger.Info("destination", "server", imapCfg.Identifier())

	store := progress.Open(cfg.Settings.ProgressFile, progress.WithLogger(logger))
	logger.Info("progress state", "path", store.Path(), "session", store.SessionID())

	reporter := &CLIProgress{}
	engine := transfer.New(source, sink, store, transfer.Options{
		BatchSize:     cfg.Settings.BatchSize,
		SaveInterval:  cfg.Settings.ProgressSaveInterval,
		LabelMappings: cfg.Settings.LabelMappings,
		Logger:        logger,
		Reporter:      reporter,
	})

	// Bind signals to a graceful engine shutdown. The run then ends
	// cleanly and exits 0, with progress flushed.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupted. Finishing current message and saving progress...")
		engine.Shutdown()
	}()

	stats, err := engine.Run(ctx)
	reporter.RunSummary(stats)
	if err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

// newGmailSource builds the authenticated Gmail client from config.
func newGmailSource(ctx context.Context) (gmail.Source, error) {
	mgr, err := oauth.NewManager(cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile, logger)
	if err != nil {
		return nil, err
	}

	ts, err := mgr.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("gmail auth (try 'mailporter authorize'): %w", err)
	}

	return gmail.NewClient(ts,
		gmail.WithLogger(logger),
		gmail.WithRateLimiter(gmail.NewRateLimiter(cfg.Settings.RateLimitQPS)),
	), nil
}

// printLabelMapping implements --verify-labels: show where every label
// would land, then exit without transferring. Configured overrides that
// match no label on the account make the verification fail.
func printLabelMapping(ctx context.Context, source gmail.Source) error {
	labels, err := source.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	sortLabels(labels)

	seen := make(map[string]bool, len(labels))
	fmt.Printf("%-40s %s\n", "LABEL", "FOLDER")
	for _, l := range labels {
		seen[l.Name] = true
		if !transfer.Transferable(l) {
			fmt.Printf("%-40s (skipped: system label)\n", l.Name)
			continue
		}
		folder := transfer.FolderName(l.Name, cfg.Settings.LabelMappings)
		marker := ""
		if _, ok := cfg.Settings.LabelMappings[l.Name]; ok {
			marker = "  (override)"
		}
		fmt.Printf("%-40s %s%s\n", l.Name, folder, marker)
	}

	var stale []string
	for name := range cfg.Settings.LabelMappings {
		if !seen[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		return fmt.Errorf("label_mappings entries match no label on the account: %s",
			strings.Join(stale, ", "))
	}
	return nil
}

// printDryRun implements --dry-run: show labels and message counts
// without touching the IMAP server.
func printDryRun(ctx context.Context, source gmail.Source) error {
	labels, err := source.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}
	sortLabels(labels)

	var total int64
	fmt.Printf("%-40s %s\n", "LABEL", "MESSAGES")
	for _, l := range labels {
		if !transfer.Transferable(l) {
			continue
		}
		fmt.Printf("%-40s %d\n", l.Name, l.MessagesTotal)
		total += l.MessagesTotal
	}
	fmt.Printf("\n%d labels, ~%d messages (estimate, duplicates across labels counted twice)\n",
		len(labels), total)
	if bs := int64(cfg.Settings.GmailBatchSize); bs > 0 && total > 0 {
		fmt.Printf("~%d batched API requests at %d messages per batch\n", (total+bs-1)/bs, bs)
	}
	return nil
}

func sortLabels(labels []*gmail.Label) {
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
}
