package locks

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned when another holder owns the lock. Callers may
// retry after backoff; TTL expiry guarantees the lock is eventually freed.
var ErrLockHeld = errors.New("lock held by another holder")

// Lock captures the current lock ownership state. Token is the proof of
// ownership required to release or renew.
type Lock struct {
	Resource  string    `json:"resource"`
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store manages advisory resource locks with TTL expiry.
type Store interface {
	Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (*Lock, error)
	Release(ctx context.Context, resource, token string) (bool, error)
	Renew(ctx context.Context, resource, token string, ttl time.Duration) (*Lock, error)
	Get(ctx context.Context, resource string) (*Lock, error)
}
