package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/feedloader/internal/archive"
	"github.com/JonMunkholm/feedloader/internal/catalog"
	"github.com/JonMunkholm/feedloader/internal/config"
	"github.com/JonMunkholm/feedloader/internal/core"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

// appOptions select the collaborators a command needs.
type appOptions struct {
	// memory keeps records in memory instead of Postgres.
	memory bool
	// redis persists operation statuses when REDIS_ADDR is set.
	redis bool
}

// app is the wired service with everything that must be closed.
type app struct {
	registry *mapping.Registry
	db       *pgxpool.Pool
	pg       *persist.PgStore
	statuses *progress.RedisStatusStore
	service  *core.Service
}

func newRegistry(cfg *config.Config) (*mapping.Registry, error) {
	var extra []*mapping.Table
	if cfg.Mapping.File != "" {
		tables, err := mapping.LoadTablesFile(cfg.Mapping.File)
		if err != nil {
			return nil, err
		}
		extra = tables
		slog.Info("mapping tables loaded", "file", cfg.Mapping.File, "count", len(tables))
	}
	return catalog.NewRegistry(extra...)
}

func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (archive.Archiver, error) {
	switch cfg.Backend {
	case config.ArchiveS3:
		return archive.NewS3(ctx, archive.S3Config{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.UsePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UploadTimeout:   cfg.UploadTimeout,
		})
	default:
		return archive.NewLocal(cfg.Dir), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	var err error
	if a.registry, err = newRegistry(cfg); err != nil {
		return nil, err
	}

	var store persist.Store
	if opts.memory {
		store = persist.NewMemoryStore()
	} else {
		if err := cfg.RequireDatabase(); err != nil {
			return nil, err
		}
		a.db, err = persist.Connect(ctx, persist.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		a.pg = persist.NewPgStore(a.db)
		store = a.pg
	}

	trackerOpts := progress.Options{
		ThrottleRecords: cfg.Pipeline.ThrottleRecords,
		ThrottlePercent: cfg.Pipeline.ThrottlePercent,
		Retention:       cfg.Pipeline.Retention,
		Logger:          slog.Default(),
	}
	if opts.redis && cfg.Redis.Addr != "" {
		a.statuses, err = progress.NewRedisStatusStore(progress.RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.DB,
			Prefix:   cfg.Redis.KeyPrefix,
			TTL:      cfg.Redis.StatusTTL,
			Timeout:  cfg.Redis.Timeout,
		})
		if err != nil {
			return nil, err
		}
		trackerOpts.Store = a.statuses
	}

	archiver, err := newArchiver(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	a.service = core.NewService(core.Deps{
		Registry: a.registry,
		Engine: persist.NewEngine(store, persist.EngineOptions{
			BatchSize: cfg.Pipeline.BatchSize,
			Logger:    slog.Default(),
		}),
		Tracker:  progress.NewTracker(trackerOpts),
		Pool:     core.NewWorkerPool(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, cfg.Pipeline.MaxWaitTime),
		Archiver: archiver,
	}, core.Options{
		ChunkSize: cfg.Pipeline.ChunkSize,
		Timeout:   cfg.Pipeline.Timeout,
		ExportDir: cfg.Pipeline.ExportDir,
	})

	ok = true
	return a, nil
}

// migrate creates the entity tables.
func (a *app) migrate(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	return a.pg.Migrate(ctx, a.registry.Schemas()...)
}

func (a *app) Close() {
	if a.statuses != nil {
		if err := a.statuses.Close(); err != nil {
			slog.Warn("close status store", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// stageCopy copies a user's file into dir. Imports own and remove their
// source, so the original is never handed to them.
func stageCopy(path, dir string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(dir, "import-*"+filepath.Ext(path))
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("copy %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}
