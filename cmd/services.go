package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/api"
	"github.com/JakeFAU/versionista-scraper/internal/catalog"
	"github.com/JakeFAU/versionista-scraper/internal/config"
	"github.com/JakeFAU/versionista-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/versionista-scraper/internal/resolver"
	"github.com/JakeFAU/versionista-scraper/internal/scheduler"
	"github.com/JakeFAU/versionista-scraper/internal/session"
	"github.com/JakeFAU/versionista-scraper/internal/storage"
	"github.com/JakeFAU/versionista-scraper/internal/storage/gcs"
	"github.com/JakeFAU/versionista-scraper/internal/storage/local"
	"github.com/JakeFAU/versionista-scraper/internal/storage/memory"
	"github.com/JakeFAU/versionista-scraper/internal/storage/postgres"
)

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

// newSession builds the rate-limited scheduler and the logged-in session on top of it.
func newSession(cfg config.Config, logger *zap.Logger) (*session.Manager, error) {
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Scheduler.RateLimitRPS,
		Burst: cfg.Scheduler.RateLimitBurst,
	})
	sched, err := scheduler.New(scheduler.Config{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		SleepEvery:     cfg.Scheduler.SleepEvery,
		SleepFor:       cfg.Scheduler.SleepFor,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		BaseDelay:      cfg.Scheduler.BaseDelay,
		RequestTimeout: cfg.Scheduler.RequestTimeout,
		UserAgent:      cfg.Scheduler.UserAgent,
	},
		scheduler.WithLimiter(limiter),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	creds := session.Credentials{Email: cfg.Vendor.Email, Password: cfg.Vendor.Password}
	return session.New(cfg.Vendor.BaseURL, creds, sched, logger), nil
}

// services holds everything a scrape run is built from.
type services struct {
	catalog  *catalog.Enumerator
	resolver *resolver.Resolver
	archive  *storage.Archive
	blobs    storage.BlobStore
	versions *postgres.VersionStore
	closers  []func()
}

func buildServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	sess, err := newSession(cfg, logger)
	if err != nil {
		return nil, err
	}
	svc := &services{
		catalog:  catalog.New(cfg.Vendor.BaseURL, sess, logger),
		resolver: resolver.New(sess, logger),
	}

	blobs, closeBlobs, err := newBlobStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	svc.blobs = blobs
	svc.closers = append(svc.closers, closeBlobs)

	var rows storage.RowStore
	if cfg.DB.DSN != "" {
		versions, err := postgres.New(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("init version store: %w", err)
		}
		svc.versions = versions
		svc.closers = append(svc.closers, versions.Close)
		rows = versions
	}
	svc.archive = storage.NewArchive(blobs, rows, cfg.Storage.Prefix, logger)
	logger.Info("services ready",
		zap.String("vendor", cfg.Vendor.BaseURL),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", svc.versions != nil),
	)
	return svc, nil
}

// Close releases storage clients in reverse order of creation.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (storage.BlobStore, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewBlobStore(), noop, nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, noop, nil
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, func() { _ = client.Close() }, nil
	default:
		return storage.NoopBlobStore{}, noop, nil
	}
}

// startServer serves health, metrics and the latest report until the
// returned stop func is called. Port 0 disables it.
func startServer(port int, reports api.ReportSource, logger *zap.Logger) func() {
	if port == 0 {
		return func() {}
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           api.NewServer(reports, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", zap.Error(err))
		}
	}
}
