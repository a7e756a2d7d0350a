// Package permits bounds concurrent work with a weighted semaphore.
package permits

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const DefaultCapacity = 10

// Manager hands out permits up to a fixed capacity. Acquire blocks until
// a permit frees up or the context ends.
type Manager struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

func (m *Manager) Acquire(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	m.inUse.Add(1)
	return nil
}

func (m *Manager) TryAcquire() bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.inUse.Add(1)
	return true
}

// Release returns a permit. Releasing more than was acquired panics, the
// same as the underlying semaphore.
func (m *Manager) Release() {
	m.inUse.Add(-1)
	m.sem.Release(1)
}

func (m *Manager) Capacity() int {
	return int(m.capacity)
}

func (m *Manager) InUse() int {
	return int(m.inUse.Load())
}
