package domain

import "time"

// LockState is the Order Lock as seen by callers. Zero value means unlocked.
type LockState struct {
	Held                bool       `json:"held"`
	HolderRequestNumber string     `json:"holderRequestNumber,omitempty"`
	HolderWorker        string     `json:"holderWorker,omitempty"`
	AcquiredAt          *time.Time `json:"acquiredAt,omitempty"`
}

// AcquireResult is either Acquired or a conflict naming the current holder.
type AcquireResult struct {
	Acquired bool
	Holder   LockState
}
