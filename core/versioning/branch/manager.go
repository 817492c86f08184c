package branch

import (
	"context"
	"fmt"
	"time"

	"github.com/polver/polver/core/infra/locks"
	"github.com/polver/polver/core/versioning/store"
)

// Info describes one branch of a policy.
type Info struct {
	Name             string            `json:"name"`
	Head             *store.BranchHead `json:"head,omitempty"`
	RequiresApproval bool              `json:"requiresApproval"`
	MinApprovers     int               `json:"minApprovers"`
}

// LockToken identifies a held branch lock for release and renewal.
type LockToken struct {
	Resource string
	Token    string
}

// Manager answers branch questions: heads, configured promotion policy
// and exclusive branch locks.
type Manager struct {
	store   store.Store
	locks   locks.Store
	configs map[string]Config
	lockTTL time.Duration
}

// NewManager wires a Manager. A nil configs map falls back to the
// default lattice; a zero ttl defaults to 30 seconds.
func NewManager(st store.Store, lockStore locks.Store, configs map[string]Config, lockTTL time.Duration) *Manager {
	if configs == nil {
		configs = DefaultConfigs()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Manager{store: st, locks: lockStore, configs: configs, lockTTL: lockTTL}
}

// ConfigFor returns the branch's promotion policy. Unconfigured branches
// get a permissive zero policy so ad-hoc feature branches still work.
func (m *Manager) ConfigFor(name string) Config {
	if cfg, ok := m.configs[name]; ok {
		return cfg
	}
	return Config{Name: name}
}

// Known reports whether the branch is part of the configured lattice.
func (m *Manager) Known(name string) bool {
	_, ok := m.configs[name]
	return ok
}

// IsPromotionSource reports whether some configured branch accepts
// promotions from name.
func (m *Manager) IsPromotionSource(name string) bool {
	for _, cfg := range m.configs {
		if cfg.AcceptsFrom(name) {
			return true
		}
	}
	return false
}

// ValidTransition reports whether promoting source into target is
// allowed by the lattice.
func (m *Manager) ValidTransition(source, target string) bool {
	cfg, ok := m.configs[target]
	if !ok {
		return false
	}
	return cfg.AcceptsFrom(source)
}

// GetHead returns the branch head, nil when the branch has no commits.
func (m *Manager) GetHead(ctx context.Context, policyID, name string) (*store.BranchHead, error) {
	return m.store.GetHead(ctx, policyID, name)
}

// List returns branch infos for every branch the policy has commits on,
// plus configured branches that are still empty.
func (m *Manager) List(ctx context.Context, policyID string) ([]Info, error) {
	names, err := m.store.ListBranchNames(ctx, policyID)
	if err != nil {
		return nil, err
	}
	present := map[string]bool{}
	for _, name := range names {
		present[name] = true
	}
	for name := range m.configs {
		if !present[name] {
			names = append(names, name)
		}
	}

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		head, err := m.store.GetHead(ctx, policyID, name)
		if err != nil {
			return nil, err
		}
		cfg := m.ConfigFor(name)
		infos = append(infos, Info{
			Name:             name,
			Head:             head,
			RequiresApproval: cfg.RequiresApproval,
			MinApprovers:     cfg.MinApprovers,
		})
	}
	return infos, nil
}

func lockResource(policyID, branch string) string {
	return fmt.Sprintf("branch:%s:%s", policyID, branch)
}

// AcquireLock takes the exclusive branch lock. It returns
// locks.ErrLockHeld when another holder owns it.
func (m *Manager) AcquireLock(ctx context.Context, policyID, branch, holder string) (LockToken, error) {
	resource := lockResource(policyID, branch)
	lock, err := m.locks.Acquire(ctx, resource, holder, m.lockTTL)
	if err != nil {
		return LockToken{}, err
	}
	return LockToken{Resource: resource, Token: lock.Token}, nil
}

// ReleaseLock releases a previously acquired branch lock. Releasing a
// lock that already expired is not an error.
func (m *Manager) ReleaseLock(ctx context.Context, token LockToken) error {
	if token.Token == "" {
		return nil
	}
	_, err := m.locks.Release(ctx, token.Resource, token.Token)
	return err
}

// RenewLock extends the TTL of a held branch lock.
func (m *Manager) RenewLock(ctx context.Context, token LockToken) error {
	_, err := m.locks.Renew(ctx, token.Resource, token.Token, m.lockTTL)
	return err
}
