// Package lock provides the lease-based lock provider used to serialize
// table commits. A lease is a time-bounded exclusive claim on a table
// path; expiry guarantees a crashed holder cannot deadlock the table.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OCWC22/neuralake/internal/lake"
)

// Lease is an exclusive, expiring claim on a table path. At most one
// non-expired lease exists per path.
type Lease struct {
	// TablePath is the locked table path.
	TablePath string

	// HolderID identifies the lease holder.
	HolderID string

	// AcquiredAt is when the lease was granted.
	AcquiredAt time.Time

	// ExpiresAt is when the lease lapses unless renewed.
	ExpiresAt time.Time
}

// Provider grants, renews and releases leases. Acquire blocks with
// bounded retry until the context deadline, then fails with
// lake.ErrLockTimeout.
type Provider interface {
	Acquire(ctx context.Context, tablePath string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}

// acquisition poll interval while another holder has the lease.
const acquirePollInterval = 50 * time.Millisecond

// MemoryProvider is an in-process Provider used in tests and single-node
// deployments.
type MemoryProvider struct {
	mu     sync.Mutex
	leases map[string]*Lease
}

// NewMemoryProvider creates an empty in-process lock provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{leases: make(map[string]*Lease)}
}

// Acquire blocks until the lease is granted or the context is done.
func (p *MemoryProvider) Acquire(ctx context.Context, tablePath string, ttl time.Duration) (*Lease, error) {
	for {
		if lease, ok := p.tryAcquire(tablePath, ttl); ok {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lease for %s: %w", tablePath, lake.ErrLockTimeout)
		case <-time.After(acquirePollInterval):
		}
	}
}

func (p *MemoryProvider) tryAcquire(tablePath string, ttl time.Duration) (*Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if existing, ok := p.leases[tablePath]; ok && existing.ExpiresAt.After(now) {
		return nil, false
	}

	lease := &Lease{
		TablePath:  tablePath,
		HolderID:   uuid.New().String(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	p.leases[tablePath] = lease
	return lease, true
}

// Renew extends a held lease. Renewing an expired or lost lease fails.
func (p *MemoryProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.leases[lease.TablePath]
	if !ok || current.HolderID != lease.HolderID || !current.ExpiresAt.After(time.Now()) {
		return fmt.Errorf("renew lease for %s: lease lost", lease.TablePath)
	}
	current.ExpiresAt = time.Now().Add(ttl)
	lease.ExpiresAt = current.ExpiresAt
	return nil
}

// Release gives the lease up. Releasing a lease that was already lost is
// not an error.
func (p *MemoryProvider) Release(ctx context.Context, lease *Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.leases[lease.TablePath]
	if ok && current.HolderID == lease.HolderID {
		delete(p.leases, lease.TablePath)
	}
	return nil
}

// Ensure MemoryProvider implements Provider.
var _ Provider = (*MemoryProvider)(nil)
