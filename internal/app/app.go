// Package app wires the eesocial pipeline: collect archives, ingest them,
// then resolve event relationships.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eesocial/eesocial/internal/collector"
	"github.com/eesocial/eesocial/internal/config"
	apperr "github.com/eesocial/eesocial/internal/errors"
	"github.com/eesocial/eesocial/internal/ingest"
	"github.com/eesocial/eesocial/internal/observability"
	"github.com/eesocial/eesocial/internal/resolve"
	"github.com/eesocial/eesocial/internal/storage"
	"github.com/eesocial/eesocial/internal/store"
	"github.com/eesocial/eesocial/internal/xmltree"
	"github.com/google/uuid"
)

// App owns the resources of one pipeline run.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	stats  *observability.RunStats

	// Shared resources
	store   store.Store
	storage storage.ObjectStorage

	ingestor *ingest.Ingestor
	resolver *resolve.Resolver

	mu     sync.Mutex
	opened bool
}

// New creates an App for cfg. Every log line carries the run id.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)
	logger.Debug("configuration loaded",
		"store", cfg.Store.Type,
		"storage", cfg.Storage.Type,
		"source", cfg.Source.Dir,
		"remote", cfg.Source.Remote.Enabled,
		"fingerprint", cfg.Ingest.Fingerprint,
	)
	return &App{
		cfg:    cfg,
		logger: logger,
		stats:  observability.NewRunStats(runID),
	}, nil
}

// Stats returns the run counters.
func (a *App) Stats() *observability.RunStats {
	return a.stats
}

// Store returns the opened document store.
func (a *App) Store() store.Store {
	return a.store
}

// Open connects the store and object storage and creates indexes.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}

	st, err := openStore(ctx, a.cfg)
	if err != nil {
		return err
	}
	if err := st.Init(ctx); err != nil {
		st.Close()
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = st
	a.logger.Info("store initialized", "type", a.cfg.Store.Type)

	if a.storage, err = openStorage(ctx, a.cfg); err != nil {
		st.Close()
		return err
	}
	if a.storage != nil {
		a.logger.Info("object storage initialized", "type", a.cfg.Storage.Type)
	}

	opts := ingest.Options{
		Fingerprint:  ingest.FingerprintMode(a.cfg.Ingest.Fingerprint),
		RetainRaw:    a.cfg.Ingest.RetainRaw,
		EnvelopePath: xmltree.ParsePath(a.cfg.Ingest.EnvelopePath),
		ResponsePath: xmltree.ParsePath(a.cfg.Ingest.ResponsePath),
	}
	a.ingestor = ingest.New(a.store, opts, a.logger).WithRawStorage(a.storage)
	a.resolver = resolve.New(a.store, a.logger)

	a.opened = true
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return nil
	}
	a.opened = false
	return a.store.Close()
}

// Run ingests every collected archive and then runs the resolver passes.
func (a *App) Run(ctx context.Context) error {
	if err := a.Ingest(ctx); err != nil {
		return err
	}
	if err := a.Resolve(ctx); err != nil {
		return err
	}
	a.stats.LogSummary(a.logger)
	return nil
}

// Ingest collects the configured source and ingests archives in order.
func (a *App) Ingest(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	archives, err := a.collect(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("archives collected", "count", len(archives))

	if a.cfg.Ingest.Bloom {
		if err := a.ingestor.LoadKnownIDs(ctx, a.cfg.Ingest.BloomExpected, a.cfg.Ingest.BloomFPR); err != nil {
			return fmt.Errorf("failed to load known event ids: %w", err)
		}
	}

	for n, archive := range archives {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := a.ingestor.Ingest(ctx, archive)
		if err != nil {
			a.stats.RecordFailure(archive.Name, apperr.GetCode(err))
			if !a.cfg.Ingest.ContinueOnError {
				return err
			}
			a.logger.Error("archive failed", "archive", archive.Path, "n", n+1, "of", len(archives), "error", err)
			continue
		}
		a.stats.RecordArchive(res.Skipped, res.Inserted, res.Existing, res.Ignored, res.Retained)
	}
	return nil
}

// Resolve runs the enabled relationship passes.
func (a *App) Resolve(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	var passes []resolve.Pass
	if a.cfg.Resolver.Exclusion {
		passes = append(passes, resolve.ExclusionPass())
	}
	if a.cfg.Resolver.Rectification {
		passes = append(passes, resolve.RectificationPass())
	}
	if len(passes) == 0 {
		a.logger.Info("all resolver passes disabled")
		return nil
	}

	results, err := a.resolver.RunAll(ctx, passes...)
	for _, r := range results {
		a.stats.RecordPass(r.Pass, r.Candidates, r.Linked, r.Unmatched, r.Skipped)
	}
	return err
}

// collect returns the archives of the configured source.
func (a *App) collect(ctx context.Context) ([]ingest.Archive, error) {
	src := a.cfg.Source
	if !src.Remote.Enabled {
		if src.Dir == "" {
			return nil, apperr.NewConfigError("source.dir (or LOC_DIR) is required")
		}
		return collector.Collect(src.Dir)
	}

	archives, failed, err := collector.CollectRemote(ctx, a.storage, src.Remote.Prefix, src.Remote.CacheDir, src.Remote.Concurrency)
	if err != nil {
		return nil, err
	}
	for path, ferr := range failed {
		a.stats.RecordFailure(path, apperr.GetCode(ferr))
		if !a.cfg.Ingest.ContinueOnError {
			return nil, fmt.Errorf("failed to fetch %s: %w", path, ferr)
		}
		a.logger.Error("archive fetch failed", "object", path, "error", ferr)
	}
	return archives, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case config.StoreSQLite:
		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	case config.StoreMongo:
		st, err := store.NewMongoStore(ctx, cfg.Store.URI, cfg.Store.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open mongo store: %w", err)
		}
		return st, nil
	default:
		return nil, apperr.NewConfigError("unsupported store type: " + cfg.Store.Type)
	}
}

// openStorage returns nil when object storage is disabled.
func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case config.StorageNone, "":
		return nil, nil
	case config.StorageLocal:
		s, err := storage.NewLocalStorage(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return s, nil
	case config.StorageS3:
		s3Cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3Cfg.Region = cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = cfg.Storage.S3.UsePathStyle
		s, err := storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		return s, nil
	default:
		return nil, apperr.NewConfigError("unsupported storage type: " + cfg.Storage.Type)
	}
}
