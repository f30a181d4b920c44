// pkg/db/db.go
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"linkgate/pkg/config"
)

// MustConnect opens the postgres pool when the link store runs on postgres.
func MustConnect(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) *pgxpool.Pool {
	if cfg.StoreDriver != "postgres" || cfg.DatabaseURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("pg connect", "err", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatalw("pg ping", "host", redactDSN(cfg.DatabaseURL), "err", err)
	}
	log.Infow("postgres ready", "host", redactDSN(cfg.DatabaseURL))
	return pool
}

// MustRedis opens the redis client when the link store runs on redis.
func MustRedis(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) *redis.Client {
	if cfg.StoreDriver != "redis" || cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalw("redis parse", "err", err)
	}
	cli := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		log.Fatalw("redis ping", "addr", opts.Addr, "err", err)
	}
	log.Infow("redis ready", "addr", opts.Addr)
	return cli
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i > 0 {
		return "***@" + dsn[i+1:]
	}
	return dsn
}
