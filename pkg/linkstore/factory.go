package linkstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"linkgate/pkg/config"
)

// Driver identifiers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Dependencies carries connection handles opened by the caller (see pkg/db).
type Dependencies struct {
	PG    *pgxpool.Pool
	Redis *redis.Client
}

// New builds the configured store, wraps it in the sealing decorator when an
// encryption key is set, and applies the seed file if one is configured.
func New(ctx context.Context, cfg config.Config, deps Dependencies, log *zap.SugaredLogger) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.StoreDriver {
	case DriverMemory:
		st = NewMemory()
	case DriverSQLite, "":
		st, err = NewSQLite(cfg.SQLitePath)
	case DriverPostgres:
		if deps.PG == nil {
			return nil, fmt.Errorf("postgres driver requires DATABASE_URL")
		}
		if err = EnsureSchema(ctx, deps.PG); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		st = NewPostgres(deps.PG, log)
	case DriverRedis:
		st, err = NewRedis(deps.Redis, "")
	default:
		return nil, fmt.Errorf("unsupported link store driver: %s", cfg.StoreDriver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.EncryptionKey != "" {
		sealer, err := NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		st = Sealed(st, sealer)
	} else {
		log.Warnw("ENCRYPTION_KEY not set; connect tokens stored in plaintext", "driver", cfg.StoreDriver)
	}
	if cfg.LinkSeedFile != "" {
		n, err := SeedFromFile(ctx, st, cfg.LinkSeedFile)
		if err != nil {
			return nil, fmt.Errorf("seed links: %w", err)
		}
		log.Infow("link seed applied", "file", cfg.LinkSeedFile, "records", n)
	}
	log.Infow("link store ready", "driver", cfg.StoreDriver, "sealed", cfg.EncryptionKey != "")
	return st, nil
}
