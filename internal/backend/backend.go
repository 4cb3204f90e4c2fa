// Package backend resolves the optional collaborators of the import service
// (staging store, commit lock, persister) from configuration once at
// startup. A backend that cannot be reached fails with missing_dependency
// before the service accepts any request.
package backend

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JonMunkholm/stagedimport/internal/config"
	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/lock"
	"github.com/JonMunkholm/stagedimport/internal/persist"
	"github.com/JonMunkholm/stagedimport/internal/schema"
	"github.com/JonMunkholm/stagedimport/internal/storage/fsstore"
	"github.com/JonMunkholm/stagedimport/internal/storage/memstore"
	"github.com/JonMunkholm/stagedimport/internal/storage/sqlitestore"
	"github.com/JonMunkholm/stagedimport/internal/tabular"
	"github.com/JonMunkholm/stagedimport/internal/validate"
)

// Set is the resolved collaborators. Persist and Existing are nil when
// persistence is disabled.
type Set struct {
	Store    core.Store
	Locker   lock.Locker
	Persist  core.PersistFunc
	Existing validate.KeyChecker
	Pool     *pgxpool.Pool

	closers []func() error
}

// Open resolves every backend named by cfg.
func Open(ctx context.Context, cfg *config.Config, def *schema.Definition, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}
	set := &Set{}

	store, closer, err := openStore(ctx, cfg.Staging)
	if err != nil {
		return nil, err
	}
	set.Store = store
	if closer != nil {
		set.closers = append(set.closers, closer)
	}

	if cfg.NeedsDatabase() {
		pool, err := OpenPool(ctx, cfg.Database)
		if err != nil {
			set.Close()
			return nil, core.MissingDependency("postgres", err)
		}
		set.Pool = pool
		set.closers = append(set.closers, func() error { pool.Close(); return nil })
	}

	switch cfg.Lock.Backend {
	case config.LockMemory:
		set.Locker = lock.NewMemory()
	case config.LockPostgres:
		db := stdlib.OpenDBFromPool(set.Pool)
		set.Locker = lock.NewAdvisory(db, cfg.Lock.PollInterval)
		set.closers = append(set.closers, db.Close)
	default:
		set.Close()
		return nil, core.MissingDependency("lock "+cfg.Lock.Backend, nil)
	}

	switch cfg.Commit.Persist {
	case config.PersistNone:
	case config.PersistPostgres:
		pg := persist.New(set.Pool, def, persist.Options{BatchSize: cfg.Commit.BatchSize, Logger: logger})
		set.Persist = pg.Persist
		if cfg.Commit.CheckExistingKeys && len(def.UniqueKey) > 0 {
			set.Existing = pg
		}
	default:
		set.Close()
		return nil, core.MissingDependency("persist "+cfg.Commit.Persist, nil)
	}

	logger.Info("backends ready",
		slog.String("staging", cfg.Staging.Backend),
		slog.String("lock", cfg.Lock.Backend),
		slog.String("persist", cfg.Commit.Persist),
	)
	return set, nil
}

func openStore(ctx context.Context, cfg config.StagingConfig) (core.Store, func() error, error) {
	switch cfg.Backend {
	case config.StagingMemory:
		return memstore.New(), nil, nil
	case config.StagingFS:
		s, err := fsstore.New(cfg.Dir)
		if err != nil {
			return nil, nil, core.MissingDependency("staging fs", err)
		}
		return s, nil, nil
	case config.StagingSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, nil, core.MissingDependency("staging sqlite", err)
			}
		}
		s, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, core.MissingDependency("staging sqlite", err)
		}
		return s, s.Close, nil
	}
	return nil, nil, core.MissingDependency("staging "+cfg.Backend, nil)
}

// OpenPool connects to PostgreSQL with the configured pool limits and
// verifies the connection.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database URL")
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// Parser builds the upload parser for def from the staging settings.
func Parser(cfg config.StagingConfig, def *schema.Definition, logger *slog.Logger) *tabular.Parser {
	return tabular.NewParser(def, tabular.Options{
		MaxFileSize:       cfg.MaxFileSize,
		AllowedExtensions: cfg.AllowedExtensions,
		Logger:            logger,
	})
}

// Service assembles the import service over the resolved backends.
func (s *Set) Service(cfg *config.Config, def *schema.Definition, logger *slog.Logger) (*core.Service, error) {
	return core.NewService(core.ServiceConfig{
		Parser:    Parser(cfg.Staging, def, logger),
		Validator: validate.New(def, validate.Options{Existing: s.Existing, Logger: logger}),
		Store:     s.Store,
		Locker:    s.Locker,
		Persist:   s.Persist,
		Commit: core.CommitOptions{
			LockNamespace:  cfg.Lock.Namespace,
			LockWait:       cfg.Lock.Wait,
			BlockOnErrors:  cfg.Commit.BlockOnErrors,
			FieldForColumn: def.FieldForColumn,
		},
		MaxPageSize:         cfg.Preview.MaxPageSize,
		MaxConcurrentStages: cfg.Staging.MaxConcurrent,
		StageWait:           cfg.Staging.MaxWaitTime,
		StageTimeout:        cfg.Staging.Timeout,
		Logger:              logger,
	})
}

// LoadSchema returns the schema file named by cfg, or the built-in one.
func LoadSchema(cfg config.SchemaConfig) (*schema.Definition, error) {
	if cfg.Path == "" {
		return schema.Default(), nil
	}
	return schema.Load(cfg.Path)
}

// Close releases every opened backend in reverse order.
func (s *Set) Close() error {
	var errs error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	s.closers = nil
	return errs
}
