package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/config"
	"github.com/JakeFAU/versionista-scraper/internal/resolver"
	"github.com/JakeFAU/versionista-scraper/internal/scrape"
	"github.com/JakeFAU/versionista-scraper/internal/storage/memory"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// newScrapeCmd creates the 'scrape' subcommand, which performs one run (or
// one run per interval) and writes the report as JSON.
func newScrapeCmd(v *viper.Viper) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrapes sites, pages and versions",
		Long: `Walks every site (or those named with --site), lists their pages and
versions captured inside the time window, optionally resolves diffs and
content, stores them, and prints the run report as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrapeCommand(cmd, output)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "", "write the JSON report to this file instead of stdout")
	flags.StringSlice("site", nil, "site name or id to scrape (repeatable)")
	flags.String("after", "", "only versions captured at or after this RFC3339 time")
	flags.String("before", "", "only versions captured before this RFC3339 time")
	flags.Float64("hours", 0, "only versions captured in the last N hours (overrides --after)")
	flags.Int("page-concurrency", 4, "pages scraped in parallel per site")
	flags.Bool("diffs", false, "resolve the diff with the previous version")
	flags.String("diff-type", string(versionista.DefaultDiffType), "diff rendering to fetch")
	flags.Bool("content", false, "fetch the captured content of each version")
	flags.String("content-mode", string(versionista.ContentRaw), "content API variant (raw or html)")
	flags.String("storage", config.BackendNone, "blob backend (none, memory, local, gcs)")
	flags.Int("port", 0, "serve health, metrics and the latest report on this port")
	flags.Duration("interval", 0, "repeat the run on this period until interrupted")
	bindFlags(v, flags, map[string]string{
		"scrape.sites":            "site",
		"scrape.after":            "after",
		"scrape.before":           "before",
		"scrape.hours":            "hours",
		"scrape.page_concurrency": "page-concurrency",
		"scrape.diffs":            "diffs",
		"scrape.diff_type":        "diff-type",
		"scrape.content":          "content",
		"scrape.content_mode":     "content-mode",
		"scrape.interval":         "interval",
		"storage.backend":         "storage",
		"server.port":             "port",
	})
	return cmd
}

func runScrapeCommand(cmd *cobra.Command, output string) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := app.Config, app.Logger
	if err := cfg.RequireCredentials(); err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	opts := []scrape.Option{scrape.WithRecorder(svc.archive), scrape.WithLogger(logger)}
	if svc.versions != nil {
		opts = append(opts, scrape.WithRunTracker(svc.versions))
	}
	runner := scrape.New(svc.catalog, svc.resolver, opts...)

	stopServer := startServer(cfg.Server.Port, runner, logger)
	defer stopServer()

	for {
		report, runErr := runOnce(ctx, runner, cfg.Scrape)
		if report != nil {
			if err := writeReport(cmd.OutOrStdout(), output, report); err != nil {
				return err
			}
		}
		if mem, ok := svc.blobs.(*memory.BlobStore); ok {
			logger.Info("memory store contents", zap.Int("objects", len(mem.Keys())))
		}
		switch {
		case errors.Is(runErr, context.Canceled):
			logger.Warn("scrape interrupted")
			return nil
		case runErr != nil:
			return fmt.Errorf("scrape: %w", runErr)
		case cfg.Scrape.Interval == 0:
			return nil
		}

		logger.Info("waiting for next run", zap.Duration("interval", cfg.Scrape.Interval))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Scrape.Interval):
		}
	}
}

// runOnce recomputes the window so a repeating lookback slides with the clock.
func runOnce(ctx context.Context, runner *scrape.Runner, sc config.ScrapeConfig) (*scrape.Report, error) {
	after, before, err := sc.Window(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, scrape.Options{
		Sites:           sc.Sites,
		After:           after,
		Before:          before,
		PageConcurrency: sc.PageConcurrency,
		Diffs:           sc.Diffs,
		DiffType:        versionista.DiffType(sc.DiffType),
		Content:         sc.Content,
		ContentOptions: resolver.ContentOptions{
			Mode:    versionista.ContentMode(sc.ContentMode),
			Retries: sc.ContentRetries,
		},
	})
}

func writeReport(stdout io.Writer, path string, report *scrape.Report) error {
	if path == "" {
		return encodeJSON(stdout, report)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if err := encodeJSON(f, report); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close report file: %w", err)
	}
	return nil
}

func encodeJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
