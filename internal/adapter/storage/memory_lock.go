package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/pickline/internal/core/domain"
)

// MemoryLock is a mutex-guarded Order Lock for single-process deployments.
type MemoryLock struct {
	mu    sync.Mutex
	state domain.LockState
	now   func() time.Time
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{now: func() time.Time { return time.Now().UTC() }}
}

func (l *MemoryLock) TryAcquire(_ context.Context, requestNumber, worker string) (domain.AcquireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Held {
		return domain.AcquireResult{
			Acquired: l.state.HolderRequestNumber == requestNumber,
			Holder:   l.state,
		}, nil
	}
	at := l.now()
	l.state = domain.LockState{
		Held:                true,
		HolderRequestNumber: requestNumber,
		HolderWorker:        worker,
		AcquiredAt:          &at,
	}
	return domain.AcquireResult{Acquired: true, Holder: l.state}, nil
}

func (l *MemoryLock) Release(_ context.Context, requestNumber string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.Held || l.state.HolderRequestNumber != requestNumber {
		return false, nil
	}
	l.state = domain.LockState{}
	return true, nil
}

func (l *MemoryLock) Status(context.Context) (domain.LockState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, nil
}
