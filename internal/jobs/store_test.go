package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func TestOwnerTenantCacheAside(t *testing.T) {
	origDB, origGet, origSet := dbOwnerTenant, ownerCacheGet, ownerCacheSet
	defer func() { dbOwnerTenant, ownerCacheGet, ownerCacheSet = origDB, origGet, origSet }()

	cache := map[string]string{}
	dbCalls := 0
	dbOwnerTenant = func(pool *pgxpool.Pool, ctx context.Context, jobID string) (string, error) {
		dbCalls++
		if jobID == "job-1" {
			return "tenant-a", nil
		}
		return "", ErrNotFound
	}
	ownerCacheGet = func(rd *redis.Client, ctx context.Context, jobID string) (string, bool) {
		v, ok := cache[jobID]
		return v, ok
	}
	ownerCacheSet = func(rd *redis.Client, ctx context.Context, jobID, owner string, ttl time.Duration) error {
		cache[jobID] = owner
		return nil
	}

	s := &Store{ttl: time.Minute}
	owner, err := s.OwnerTenant(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if owner != "tenant-a" {
		t.Fatalf("owner: %s", owner)
	}
	if dbCalls != 1 {
		t.Fatalf("expected one db call, got %d", dbCalls)
	}

	// second lookup served from cache
	if _, err := s.OwnerTenant(context.Background(), "job-1"); err != nil {
		t.Fatal(err)
	}
	if dbCalls != 1 {
		t.Fatalf("expected cache hit, got %d db calls", dbCalls)
	}
}

func TestOwnerTenantNotFound(t *testing.T) {
	origDB, origGet := dbOwnerTenant, ownerCacheGet
	defer func() { dbOwnerTenant, ownerCacheGet = origDB, origGet }()
	dbOwnerTenant = func(pool *pgxpool.Pool, ctx context.Context, jobID string) (string, error) {
		return "", ErrNotFound
	}
	ownerCacheGet = func(rd *redis.Client, ctx context.Context, jobID string) (string, bool) { return "", false }

	s := &Store{}
	if _, err := s.OwnerTenant(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOwnerTenantEmptyID(t *testing.T) {
	s := &Store{}
	if _, err := s.OwnerTenant(context.Background(), ""); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for empty id, got %v", err)
	}
}

func TestOwnerTenantUnavailableWithoutPostgres(t *testing.T) {
	origGet := ownerCacheGet
	defer func() { ownerCacheGet = origGet }()
	ownerCacheGet = func(rd *redis.Client, ctx context.Context, jobID string) (string, bool) { return "", false }

	s := &Store{}
	if _, err := s.OwnerTenant(context.Background(), "job-1"); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
