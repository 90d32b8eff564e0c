package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/de-tools/health-audit/pkg/models/domain"
)

// Locker enforces at most one in-flight run per tenant. TryAcquire never waits: a held
// tenant yields domain.ErrRunInProgress.
type Locker interface {
	TryAcquire(ctx context.Context, tenant string) (release func(), err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, tenant string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[tenant]; busy {
		return nil, fmt.Errorf("tenant %s: %w", tenant, domain.ErrRunInProgress)
	}
	l.held[tenant] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.held, tenant)
		})
	}, nil
}
