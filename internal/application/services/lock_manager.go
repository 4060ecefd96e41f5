package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zatekoja/enrichswarm/internal/domain/entities"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
	"github.com/zatekoja/enrichswarm/internal/infrastructure/observability"
)

// ErrLockNotAcquired is returned when a resource is held by someone else
var ErrLockNotAcquired = errors.New("lock not acquired")

const lockKeyPrefix = "lock:"

// CellResource names the lock guarding one cell
func CellResource(datasetID string, row int, columnID string) string {
	return fmt.Sprintf("cell:%s:%d:%s", datasetID, row, columnID)
}

// LockManager hands out exclusive, expiring locks backed by the coordination
// store. The local record cache only remembers which value this process wrote;
// the store decides who holds a lock.
type LockManager struct {
	store   providers.CoordinationStore
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	local map[string]entities.LockRecord
}

// NewLockManager creates a lock manager. metrics may be nil.
func NewLockManager(store providers.CoordinationStore, metrics *observability.Metrics) *LockManager {
	return &LockManager{
		store:   store,
		metrics: metrics,
		now:     time.Now,
		local:   make(map[string]entities.LockRecord),
	}
}

func lockValue(rec entities.LockRecord) string {
	return rec.Holder + ":" + rec.LockID
}

// AcquireLock tries once to take resource for holder. It never waits.
func (m *LockManager) AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	now := m.now()
	rec := entities.LockRecord{
		LockID:     uuid.New().String(),
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	ok, err := m.store.SetNX(ctx, lockKeyPrefix+resource, lockValue(rec), ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	if !ok {
		observability.RecordLockContention(ctx, m.metrics)
		observability.LoggerFromContext(ctx).Debug().
			Str("resource", resource).
			Str("holder", holder).
			Msg("Lock held by another holder")
		return false, nil
	}

	m.mu.Lock()
	m.local[resource] = rec
	m.mu.Unlock()
	return true, nil
}

// ReleaseLock frees resource if holder still owns it. A lock that expired and
// was taken by someone else is left untouched and false is returned.
func (m *LockManager) ReleaseLock(ctx context.Context, resource, holder string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.local[resource]
	if ok && rec.Holder == holder {
		delete(m.local, resource)
	}
	m.mu.Unlock()

	if !ok || rec.Holder != holder {
		return false, nil
	}

	released, err := m.store.CompareAndDelete(ctx, lockKeyPrefix+resource, lockValue(rec))
	if err != nil {
		return false, fmt.Errorf("release %s: %w", resource, err)
	}
	if !released {
		observability.LoggerFromContext(ctx).Warn().
			Str("resource", resource).
			Str("holder", holder).
			Msg("Lock expired before release")
	}
	return released, nil
}

// IsLocked reports whether any holder currently owns resource
func (m *LockManager) IsLocked(ctx context.Context, resource string) (bool, error) {
	locked, err := m.store.Exists(ctx, lockKeyPrefix+resource)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", resource, err)
	}
	return locked, nil
}

// WithLock runs fn while holding resource and always releases afterwards
func (m *LockManager) WithLock(ctx context.Context, resource, holder string, ttl time.Duration, fn func(ctx context.Context) error) error {
	ok, err := m.AcquireLock(ctx, resource, holder, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}
	defer func() {
		if _, err := m.ReleaseLock(context.WithoutCancel(ctx), resource, holder); err != nil {
			observability.LoggerFromContext(ctx).Error().Err(err).Str("resource", resource).Msg("Failed to release lock")
		}
	}()
	return fn(ctx)
}

// CleanupExpired prunes local records whose TTL has passed and returns how
// many were removed
func (m *LockManager) CleanupExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for resource, rec := range m.local {
		if rec.Expired(now) {
			delete(m.local, resource)
			removed++
		}
	}
	return removed
}

// LocalLocks returns the number of locks this process believes it holds
func (m *LockManager) LocalLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.local)
}
