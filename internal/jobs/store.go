package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/example/stream-gateway/internal/gatewaycfg"
	"github.com/example/stream-gateway/internal/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrUnavailable = errors.New("ownership store unavailable")
)

// Store resolves the owning tenant of a job. Ownership lives in Postgres and
// is fronted by a Redis cache; the gateway never mutates job records.
type Store struct {
	pgcfg gatewaycfg.PostgresConfig
	rcfg  gatewaycfg.RedisConfig
	pool  *pgxpool.Pool
	rd    *redis.Client
	ttl   time.Duration
}

func NewStore(pgcfg gatewaycfg.PostgresConfig, rcfg gatewaycfg.RedisConfig) (*Store, error) {
	s := &Store{pgcfg: pgcfg, rcfg: rcfg, ttl: time.Duration(rcfg.OwnerCacheTTLSeconds) * time.Second}
	if pgcfg.Enabled {
		pconf, err := pgxpool.ParseConfig(pgcfg.DSN)
		if err != nil {
			return nil, err
		}
		if pgcfg.MaxConns > 0 {
			pconf.MaxConns = int32(pgcfg.MaxConns)
		}
		if pgcfg.ConnMaxLifetimeMs > 0 {
			pconf.MaxConnLifetime = time.Duration(pgcfg.ConnMaxLifetimeMs) * time.Millisecond
		}
		pool, err := pgxpool.NewWithConfig(context.Background(), pconf)
		if err != nil {
			return nil, err
		}
		s.pool = pool
	}
	if rcfg.Enabled {
		s.rd = redis.NewClient(&redis.Options{
			Addr: rcfg.Addr,
			Username: rcfg.Username,
			Password: rcfg.Password,
			DB: rcfg.DB,
			ReadTimeout: 3 * time.Second,
			WriteTimeout: 3 * time.Second,
			DialTimeout: 3 * time.Second,
		})
	}
	return s, nil
}

// Redis exposes the shared client so the auth verifier can reuse it for its
// revocation cache.
func (s *Store) Redis() *redis.Client { return s.rd }

// OwnerTenant returns the tenant id owning jobID. Cache-aside: Redis first,
// Postgres on miss, cache the hit for the configured TTL.
func (s *Store) OwnerTenant(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "", ErrNotFound
	}
	if owner, ok := ownerCacheGet(s.rd, ctx, jobID); ok {
		return owner, nil
	}
	owner, err := dbOwnerTenant(s.pool, ctx, jobID)
	if err != nil {
		return "", err
	}
	_ = ownerCacheSet(s.rd, ctx, jobID, owner, s.ttl)
	return owner, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.rd != nil {
		_ = s.rd.Close()
	}
}

// wrapper functions to allow substitution in tests without changing production behavior
var (
	dbOwnerTenant = func(pool *pgxpool.Pool, ctx context.Context, jobID string) (string, error) {
		if pool == nil {
			return "", ErrUnavailable
		}
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		var owner string
		err := pool.QueryRow(cctx, `SELECT owner_tenant FROM jobs WHERE job_id = $1`, jobID).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		if err != nil {
			logging.NewEventLogger().Infra("read", "postgres", "failed", err.Error())
			return "", ErrUnavailable
		}
		return owner, nil
	}
	ownerCacheGet = func(rd *redis.Client, ctx context.Context, jobID string) (string, bool) {
		if rd == nil {
			return "", false
		}
		v, err := rd.Get(ctx, "job:owner:"+jobID).Result()
		if err != nil || v == "" {
			return "", false
		}
		return v, true
	}
	ownerCacheSet = func(rd *redis.Client, ctx context.Context, jobID, owner string, ttl time.Duration) error {
		if rd == nil || ttl <= 0 {
			return nil
		}
		return rd.Set(ctx, "job:owner:"+jobID, owner, ttl).Err()
	}
)
