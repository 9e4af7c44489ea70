package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"reportline/internal/artifact"
	"reportline/internal/config"
	"reportline/internal/db"
	"reportline/internal/engine"
	"reportline/internal/engine/auth"
	"reportline/internal/lock"
	"reportline/internal/migrate"
	"reportline/internal/repo"
	"reportline/internal/retry"
	"reportline/internal/storage"
)

// App owns the process-wide resources behind one workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    logrus.FieldLogger

	closers []func() error
}

// Open connects the database, applies migrations, seeds roles from config and
// builds the engine with the configured storage and lock providers.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &App{Workspace: workspace, Config: cfg, Logger: logger}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Database.Path, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)

	if _, err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := SeedRBAC(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed rbac: %w", err)
	}
	store, closeStore, err := NewStore(ctx, workspace, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeStore)
	locks, closeLocks, err := NewLocker(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeLocks)

	policy, err := cfg.RetryPolicy(cfg.Retry.StoragePolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	validator := artifact.NewValidator(cfg.Artifact.MaxBytes)
	a.Engine = engine.New(conn, engine.Options{
		Store: store,
		Locks: locks,
		Retry: retry.NewExecutor(retry.Options{
			BreakerThreshold: cfg.Retry.BreakerThreshold,
			BreakerCooldown:  cfg.Retry.BreakerCooldown,
			Logger:           logger,
		}),
		Validator:     &validator,
		StoragePolicy: &policy,
		Logger:        logger,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// SeedRBAC grants the roles declared in config. Existing grants are kept.
func SeedRBAC(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	return auth.Seed(ctx, r, cfg.RolePermissions())
}

// NewStore builds the configured artifact store. A relative fs dir is
// resolved against the workspace.
func NewStore(ctx context.Context, workspace string, cfg *config.Config) (storage.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Storage.Provider {
	case "memory":
		return storage.NewMemory(), noop, nil
	case "gcs":
		s, err := storage.NewGCS(ctx, cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.Storage.CredentialsJSON)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		dir := cfg.Storage.Dir
		if !filepath.IsAbs(dir) {
			if workspace == "" {
				workspace = "."
			}
			dir = filepath.Join(workspace, dir)
		}
		s, err := storage.NewFS(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("artifact dir %s: %w", dir, err)
		}
		return s, noop, nil
	}
}

// NewLocker builds the configured keyed lock provider.
func NewLocker(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (lock.Locker, func() error, error) {
	if cfg.Lock.Provider != "redis" {
		return lock.NewLocal(), func() error { return nil }, nil
	}
	l, err := lock.NewRedis(ctx, lock.RedisOptions{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
		TTL:      cfg.Lock.TTL,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return l, l.Close, nil
}
