package port

import (
	"context"

	"github.com/rl1809/pickline/internal/core/domain"
)

type OrderLock interface {
	// TryAcquire is one atomic check-and-set. Acquiring again for the current holder's
	// request number succeeds without changing the holder.
	TryAcquire(ctx context.Context, requestNumber, worker string) (domain.AcquireResult, error)

	// Release clears the lock only when requestNumber is the current holder
	Release(ctx context.Context, requestNumber string) (bool, error)

	Status(ctx context.Context) (domain.LockState, error)
}
