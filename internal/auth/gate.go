package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/stream-gateway/internal/jobs"
	"github.com/example/stream-gateway/internal/logging"
)

// OwnerResolver is the external job collaborator. The gateway only ever reads
// ownership; it never mutates jobs.
type OwnerResolver interface {
	OwnerTenant(ctx context.Context, jobID string) (string, error)
}

// ResolverFunc adapts a function to OwnerResolver.
type ResolverFunc func(ctx context.Context, jobID string) (string, error)

func (f ResolverFunc) OwnerTenant(ctx context.Context, jobID string) (string, error) {
	return f(ctx, jobID)
}

// Gate is the tenant authorization gate. It admits a streaming request only
// when the credential's subject matches the owning tenant of the requested
// job. It runs before any broker subscription exists and has no side effects
// on rejection.
type Gate struct {
	v    *Verifier
	jobs OwnerResolver
}

func NewGate(v *Verifier, jobs OwnerResolver) *Gate {
	return &Gate{v: v, jobs: jobs}
}

// Authorize returns the owning tenant id on success. Rejections are one of
// ErrInvalidToken, ErrUnknownJob, or ErrTenantMismatch.
func (g *Gate) Authorize(ctx context.Context, token, jobID string) (string, error) {
	ev := logging.NewEventLogger()
	sub, _, err := g.v.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	owner, err := g.jobs.OwnerTenant(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			ev.Authorization("deny", sub, jobID, "unknown_job")
			return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
		}
		ev.Authorization("deny", sub, jobID, "resolver_error")
		return "", fmt.Errorf("resolve job owner: %w", err)
	}
	if sub != owner {
		ev.Authorization("deny", sub, jobID, "tenant_mismatch")
		return "", fmt.Errorf("%w: subject %q is not the owner", ErrTenantMismatch, sub)
	}
	ev.Authorization("allow", sub, jobID, "")
	return owner, nil
}
