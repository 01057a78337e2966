package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bryanwahyu/automaton-dashboard/internal/config"
	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
	"github.com/bryanwahyu/automaton-dashboard/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/automaton-dashboard/internal/infra/db/mysql"
	pgp "github.com/bryanwahyu/automaton-dashboard/internal/infra/db/postgres"
	"github.com/bryanwahyu/automaton-dashboard/internal/infra/queue"
	"github.com/bryanwahyu/automaton-dashboard/internal/infra/storage"
	mw "github.com/bryanwahyu/automaton-dashboard/internal/middleware"
)

type checkedStore interface {
	domain.ArtifactStore
	Check(ctx context.Context) error
}

// infra is everything serve needs besides the service itself.
type infra struct {
	repo   domain.Repository
	errs   domain.TaskErrorRepository
	store  checkedStore
	queue  domain.JobQueue
	health map[string]mw.HealthChecker
	ready  map[string]mw.HealthChecker

	closers []func() error
}

func (in *infra) Close() error {
	var errs []error
	for i := len(in.closers) - 1; i >= 0; i-- {
		errs = append(errs, in.closers[i]())
	}
	return errors.Join(errs...)
}

func (in *infra) check(name string, c mw.HealthChecker, critical bool) {
	in.health[name] = c
	if critical {
		in.ready[name] = c
	}
}

func buildInfra(ctx context.Context, cfg *config.Config, log *slog.Logger, autoMigrate bool) (*infra, error) {
	in := &infra{
		health: map[string]mw.HealthChecker{},
		ready:  map[string]mw.HealthChecker{},
	}
	if err := in.openRepo(ctx, cfg, autoMigrate); err != nil {
		_ = in.Close()
		return nil, err
	}
	if err := in.openStore(ctx, cfg); err != nil {
		_ = in.Close()
		return nil, err
	}
	if err := in.openQueue(ctx, cfg, log); err != nil {
		_ = in.Close()
		return nil, err
	}
	return in, nil
}

// openDB connects the SQL database of the configured driver.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		return db, nil
	case "postgres":
		db, err := pgp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("database.driver %q has no SQL database", cfg.Database.Driver)
}

func migrate(ctx context.Context, cfg *config.Config, db *sql.DB) error {
	if cfg.Database.Driver == "postgres" {
		return pgp.Migrate(ctx, db)
	}
	return mysqlp.Migrate(ctx, db)
}

func (in *infra) openRepo(ctx context.Context, cfg *config.Config, autoMigrate bool) error {
	if cfg.Database.Driver == "memory" {
		repo := memory.NewRepository()
		in.repo, in.errs = repo, repo
		in.check("database", mw.CheckFunc(repo.Ping), true)
		return nil
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	in.closers = append(in.closers, db.Close)
	if autoMigrate {
		if err := migrate(ctx, cfg, db); err != nil {
			return err
		}
	}
	if cfg.Database.Driver == "postgres" {
		in.repo, in.errs = pgp.NewRunRepository(db), pgp.NewTaskErrorRepository(db)
	} else {
		in.repo, in.errs = mysqlp.NewRunRepository(db), mysqlp.NewTaskErrorRepository(db)
	}
	in.check("database", &mw.DatabaseHealthChecker{DB: db}, true)
	return nil
}

func (in *infra) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Backend {
	case "minio":
		m := cfg.Storage.Minio
		s, err := storage.NewMinio(ctx, m.Endpoint, m.Region, m.BucketName, m.AccessKey, m.SecretKey, m.UseSSL)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		in.store = s
	default:
		s, err := storage.NewLocal(cfg.Storage.Root)
		if err != nil {
			return fmt.Errorf("local storage: %w", err)
		}
		in.store = s
	}
	in.check("storage", mw.CheckFunc(in.store.Check), false)
	return nil
}

func (in *infra) openQueue(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	workers := cfg.Queue.Workers
	switch cfg.Queue.Backend {
	case "redis":
		r := cfg.Queue.Redis
		rdb, err := queue.Connect(ctx, r.Addr, r.Password, r.DB)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		in.closers = append(in.closers, rdb.Close)
		q := queue.NewRedis(rdb, r.Key, workers, log)
		in.queue = q
		in.check("queue", mw.CheckFunc(q.Ping), true)
	case "amqp":
		q, err := queue.NewAMQP(cfg.Queue.AMQP.URL, cfg.Queue.AMQP.Queue, workers, log)
		if err != nil {
			return err
		}
		in.closers = append(in.closers, q.Close)
		in.queue = q
		in.check("queue", mw.CheckFunc(q.Ping), true)
	default:
		q := queue.NewMemory(workers, 1024, log)
		in.closers = append(in.closers, q.Close)
		in.queue = q
	}
	return nil
}
