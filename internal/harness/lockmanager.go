package harness

import (
	"context"
	"fmt"
	"sync"

	"github.com/microsoft/go-tstore/pkg/replicator"
	"github.com/microsoft/go-tstore/pkg/types"
)

// FakeLockManager is a per-key reader/writer lock table: no deadlock
// detection, no lock escalation, just one sync.RWMutex per key created on
// first use. Good enough for the single-process tests it
// backs; a real deployment's lock manager would coordinate across
// replicas instead.
type FakeLockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewFakeLockManager creates an empty lock table.
func NewFakeLockManager() *FakeLockManager {
	return &FakeLockManager{locks: make(map[string]*sync.RWMutex)}
}

func (m *FakeLockManager) lockFor(key types.Comparable) *sync.RWMutex {
	k := fmt.Sprint(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	rw, ok := m.locks[k]
	if !ok {
		rw = &sync.RWMutex{}
		m.locks[k] = rw
	}
	return rw
}

// AcquireShared blocks until a shared lock on key is granted or ctx is
// done. A lock won after ctx is already done is released immediately by a
// background goroutine rather than held forever.
func (m *FakeLockManager) AcquireShared(ctx context.Context, key types.Comparable) (func(), error) {
	rw := m.lockFor(key)
	done := make(chan struct{})
	go func() {
		rw.RLock()
		close(done)
	}()
	select {
	case <-done:
		return rw.RUnlock, nil
	case <-ctx.Done():
		go func() {
			<-done
			rw.RUnlock()
		}()
		return nil, ctx.Err()
	}
}

// AcquireExclusive blocks until an exclusive lock on key is granted or ctx
// is done.
func (m *FakeLockManager) AcquireExclusive(ctx context.Context, key types.Comparable) (func(), error) {
	rw := m.lockFor(key)
	done := make(chan struct{})
	go func() {
		rw.Lock()
		close(done)
	}()
	select {
	case <-done:
		return rw.Unlock, nil
	case <-ctx.Done():
		go func() {
			<-done
			rw.Unlock()
		}()
		return nil, ctx.Err()
	}
}

var _ replicator.LockManager = (*FakeLockManager)(nil)
