// Package scrape drives a full run: sites, then pages, then versions, with
// optional diff and content resolution, handing every version to a recorder.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/versionista-scraper/internal/id/uuid"
	"github.com/JakeFAU/versionista-scraper/internal/logging"
	"github.com/JakeFAU/versionista-scraper/internal/metrics"
	"github.com/JakeFAU/versionista-scraper/internal/resolver"
	"github.com/JakeFAU/versionista-scraper/internal/storage"
	"github.com/JakeFAU/versionista-scraper/internal/versionista"
)

// Catalog lists sites, pages and version lineages.
type Catalog interface {
	ListSites(ctx context.Context) ([]versionista.Site, error)
	ListPages(ctx context.Context, site versionista.Site) ([]versionista.Page, error)
	ListVersions(ctx context.Context, page versionista.Page) ([]versionista.Version, error)
}

// Resolver fetches diff and content bodies.
type Resolver interface {
	ResolveDiff(ctx context.Context, comparisonURL string, diffType versionista.DiffType) (*versionista.Diff, error)
	FetchContent(ctx context.Context, versionURL string, opts resolver.ContentOptions) (*versionista.Content, error)
}

// Recorder persists a scraped version and returns it with storage locations filled in.
type Recorder interface {
	Record(ctx context.Context, rec storage.Record) (storage.Record, error)
}

// RunTracker records run start and finish.
type RunTracker interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, status string, errMsg *string) error
}

// Run statuses passed to RunTracker.FinishRun.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Options select what a run collects.
type Options struct {
	// Sites filters by site name or id; empty means every site.
	Sites []string
	// After and Before bound capture time to [After, Before). Zero means unbounded.
	After  time.Time
	Before time.Time

	PageConcurrency int

	Diffs    bool
	DiffType versionista.DiffType

	Content        bool
	ContentOptions resolver.ContentOptions
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRecorder sets where scraped versions are persisted.
func WithRecorder(r Recorder) Option {
	return func(run *Runner) { run.recorder = r }
}

// WithRunTracker sets where run lifecycles are recorded.
func WithRunTracker(t RunTracker) Option {
	return func(run *Runner) { run.tracker = t }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(run *Runner) { run.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(run *Runner) { run.now = now }
}

// Runner executes scrape runs.
type Runner struct {
	catalog  Catalog
	resolver Resolver
	recorder Recorder
	tracker  RunTracker
	ids      *uuid.Generator
	now      func() time.Time
	logger   *zap.Logger

	mu   sync.Mutex
	last *Report
}

// New constructs a Runner.
func New(catalog Catalog, res Resolver, opts ...Option) *Runner {
	r := &Runner{
		catalog:  catalog,
		resolver: res,
		ids:      uuid.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Run performs one scrape. It returns an error only when the run had to be
// aborted: the site listing failed, the login was rejected, or a site's page
// listing no longer matched the expected schema. The partial report is
// returned alongside such errors.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.PageConcurrency <= 0 {
		opts.PageConcurrency = 1
	}
	if opts.DiffType == "" {
		opts.DiffType = versionista.DefaultDiffType
	}

	runID, err := r.ids.NewRunID()
	if err != nil {
		return nil, err
	}
	logger := logging.ForRun(r.logger, runID)
	report := &Report{RunID: runID, StartedAt: r.now()}
	if !opts.After.IsZero() {
		report.After = &opts.After
	}
	if !opts.Before.IsZero() {
		report.Before = &opts.Before
	}

	if r.tracker != nil {
		if err := r.tracker.StartRun(ctx, runID, report.StartedAt); err != nil {
			return nil, err
		}
	}
	logger.Info("scrape started",
		zap.Strings("sites", opts.Sites),
		zap.Time("after", opts.After),
		zap.Time("before", opts.Before),
	)

	state := &runState{Runner: r, id: runID, opts: opts}
	runErr := state.run(ctx, logger, report)
	report.FinishedAt = r.now()
	totals := report.Totals()

	status := StatusSucceeded
	var errMsg *string
	switch {
	case runErr != nil:
		status = StatusFailed
		msg := runErr.Error()
		errMsg = &msg
	case totals.Errors > 0:
		status = StatusPartial
		msg := fmt.Sprintf("%d unit errors", totals.Errors)
		errMsg = &msg
	}
	if r.tracker != nil {
		if err := r.tracker.FinishRun(context.WithoutCancel(ctx), runID, report.FinishedAt, status, errMsg); err != nil {
			logger.Error("record run finish", zap.Error(err))
		}
	}
	logger.Info("scrape finished",
		zap.String("status", status),
		zap.Int("sites", totals.Sites),
		zap.Int("pages", totals.Pages),
		zap.Int("versions", totals.Versions),
		zap.Int("errors", totals.Errors),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, runErr
}

// LastReport returns the report of the most recently finished run, or nil.
func (r *Runner) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// runState carries one run's identity and options through the fan-out.
type runState struct {
	*Runner
	id   string
	opts Options
}

func (r *runState) run(ctx context.Context, logger *zap.Logger, report *Report) error {
	sites, err := r.catalog.ListSites(ctx)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	sites = filterSites(sites, r.opts.Sites)

	for _, site := range sites {
		siteReport, err := r.scrapeSite(ctx, logger.With(zap.String("site_id", site.ID)), site)
		report.Sites = append(report.Sites, siteReport)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *runState) scrapeSite(ctx context.Context, logger *zap.Logger, site versionista.Site) (SiteReport, error) {
	report := SiteReport{Site: site}
	pages, err := r.catalog.ListPages(ctx, site)
	if err != nil {
		report.Error = err.Error()
		metrics.ObserveUnit("site", "error")
		var schemaErr *versionista.SchemaError
		if versionista.IsFatal(err) || errors.As(err, &schemaErr) || ctx.Err() != nil {
			return report, fmt.Errorf("list pages for site %s: %w", site.ID, err)
		}
		logger.Warn("list pages failed", zap.Error(err))
		return report, nil
	}

	report.Pages = make([]PageReport, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PageConcurrency)
	for i, page := range pages {
		g.Go(func() error {
			pageReport, err := r.scrapePage(gctx, logger.With(zap.String("page_id", page.ID)), site, page)
			report.Pages[i] = pageReport
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	metrics.ObserveUnit("site", "ok")
	logger.Info("site scraped", zap.Int("pages", len(pages)))
	return report, nil
}

func (r *runState) scrapePage(ctx context.Context, logger *zap.Logger, site versionista.Site, page versionista.Page) (PageReport, error) {
	report := PageReport{Page: page, Versions: []VersionReport{}}
	versions, err := r.catalog.ListVersions(ctx, page)
	if err != nil {
		report.Error = err.Error()
		metrics.ObserveUnit("page", "error")
		if versionista.IsFatal(err) || ctx.Err() != nil {
			return report, err
		}
		logger.Warn("list versions failed", zap.Error(err))
		return report, nil
	}
	metrics.ObserveUnit("page", "ok")

	for _, v := range InWindow(versions, r.opts.After, r.opts.Before) {
		vr, err := r.scrapeVersion(ctx, logger.With(zap.String("version_id", v.ID)), site, page, v)
		report.Versions = append(report.Versions, vr)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *runState) scrapeVersion(
	ctx context.Context,
	logger *zap.Logger,
	site versionista.Site,
	page versionista.Page,
	v versionista.Version,
) (VersionReport, error) {
	report := VersionReport{Version: v}
	opts := r.opts

	if opts.Diffs {
		if link := v.PreferredPreviousLink(); link != nil {
			diff, err := r.resolver.ResolveDiff(ctx, link.URL, opts.DiffType)
			if err != nil {
				if versionista.IsFatal(err) || ctx.Err() != nil {
					return report, err
				}
				report.DiffError = err.Error()
				logger.Warn("resolve diff failed", zap.String("url", link.URL), zap.Error(err))
			}
			report.Diff = diff
		}
	}

	if opts.Content && v.HasContent {
		content, err := r.resolver.FetchContent(ctx, v.ServiceURL, opts.ContentOptions)
		if err != nil {
			if versionista.IsFatal(err) || ctx.Err() != nil {
				return report, err
			}
			report.ContentError = err.Error()
			logger.Warn("fetch content failed", zap.Error(err))
		}
		report.Content = content
	}

	if r.recorder != nil {
		rec, err := r.recorder.Record(ctx, storage.Record{
			RunID:   r.id,
			Site:    site,
			Page:    page,
			Version: v,
			Diff:    report.Diff,
			Content: report.Content,
		})
		if err != nil {
			report.RecordError = err.Error()
			logger.Warn("record version failed", zap.Error(err))
		} else {
			report.DiffURI = rec.DiffURI
			report.ContentURI = rec.ContentURI
		}
	}
	metrics.ObserveUnit("version", "ok")
	return report, nil
}

// InWindow keeps versions captured in [after, before). Zero bounds are open.
// Lineage links are left as built, so a kept version may still point at a
// version outside the window.
func InWindow(versions []versionista.Version, after, before time.Time) []versionista.Version {
	out := make([]versionista.Version, 0, len(versions))
	for _, v := range versions {
		if !after.IsZero() && v.CaptureTime.Before(after) {
			continue
		}
		if !before.IsZero() && !v.CaptureTime.Before(before) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func filterSites(sites []versionista.Site, wanted []string) []versionista.Site {
	if len(wanted) == 0 {
		return sites
	}
	out := make([]versionista.Site, 0, len(wanted))
	for _, site := range sites {
		for _, w := range wanted {
			w = strings.TrimSpace(w)
			if site.ID == w || strings.EqualFold(site.Name, w) {
				out = append(out, site)
				break
			}
		}
	}
	return out
}
