package app

import (
	"context"
	"fmt"

	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/http/handlers"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/security/secretbox"
	"github.com/dropDatabas3/hellofed/internal/store/fs"
	"github.com/dropDatabas3/hellofed/internal/store/memory"
	"github.com/dropDatabas3/hellofed/internal/store/pg"
	"github.com/dropDatabas3/hellofed/internal/store/redisq"
	"github.com/dropDatabas3/hellofed/internal/util"
	migrations "github.com/dropDatabas3/hellofed/migrations/postgres"
	"github.com/redis/go-redis/v9"
)

type stores struct {
	keys   repository.KeyStore
	jobs   repository.JobStore
	checks map[string]handlers.Check
}

// openStores elige KeyStore (storage.driver) y JobStore (delivery.queue).
// Postgres se abre una sola vez y se migra si alguno de los dos lo usa.
func (a *App) openStores(ctx context.Context, rdb *redis.Client) (*stores, error) {
	cfg := a.Config
	st := &stores{checks: map[string]handlers.Check{}}

	var pgs *pg.Store
	if cfg.Storage.Driver == "postgres" || cfg.Delivery.Queue == "postgres" {
		dsn, err := openDSN(cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		pgs, err = pg.New(ctx, pg.Config{
			DSN:             dsn,
			MaxConns:        int32(cfg.Storage.Postgres.MaxConns),
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		}, a.Log)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pgs.Close(); return nil })
		a.Log.Info("postgres connected", logger.String("dsn", util.MaskDSN(dsn)))
		applied, err := pgs.Migrate(ctx, migrations.PostgresFS, migrations.Dir)
		if err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		if len(applied) > 0 {
			a.Log.Info("postgres migrations applied", logger.Any("versions", applied))
		}
		st.checks["postgres"] = pgs.Ping
	}

	switch cfg.Storage.Driver {
	case "memory":
		a.Log.Warn("memory key store: keys are lost on restart")
		st.keys = memory.NewKeyStore()
	case "fs", "postgres":
		box, err := secretbox.FromEnv()
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Driver == "fs" {
			ks, err := fs.NewKeyStore(cfg.Storage.Dir, box)
			if err != nil {
				return nil, err
			}
			st.keys = ks
		} else {
			ks, err := pg.NewKeyStore(pgs, box)
			if err != nil {
				return nil, err
			}
			st.keys = ks
		}
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	switch cfg.Delivery.Queue {
	case "memory":
		st.jobs = memory.NewJobStore()
	case "redis":
		st.jobs = redisq.New(rdb, cfg.Cache.Prefix+":dq:")
	case "postgres":
		st.jobs = pg.NewJobStore(pgs)
	default:
		return nil, fmt.Errorf("unknown delivery queue %q", cfg.Delivery.Queue)
	}
	return st, nil
}

// openDSN descifra un DSN "sealed:..." (ver fedkeys seal-dsn) con la master key.
func openDSN(dsn string) (string, error) {
	if !secretbox.IsSealed(dsn) {
		return dsn, nil
	}
	box, err := secretbox.FromEnv()
	if err != nil {
		return "", fmt.Errorf("sealed dsn: %w", err)
	}
	return box.OpenString(secretbox.PurposeDSN, dsn)
}
