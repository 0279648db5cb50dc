package service

import (
	"errors"
	"fmt"

	"github.com/rl1809/pickline/internal/core/domain"
)

var ErrLockConflict = errors.New("order lock held by another request")

// ConflictError names the request and worker currently holding the Order Lock.
type ConflictError struct {
	Holder domain.LockState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order lock held by request %s (worker %s)", e.Holder.HolderRequestNumber, e.Holder.HolderWorker)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrLockConflict
}
