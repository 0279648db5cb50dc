package port

import (
	"context"
	"time"

	"github.com/rl1809/pickline/internal/core/domain"
)

type RequestRepository interface {
	// CreateRequest persists a new request with its line items; domain.ErrDuplicate if the number is taken
	CreateRequest(ctx context.Context, req domain.PickingRequest) error

	// FindByRequestNumber returns domain.ErrNotFound for unknown numbers
	FindByRequestNumber(ctx context.Context, requestNumber string) (*domain.PickingRequest, error)

	// ListAll returns every request, newest first
	ListAll(ctx context.Context) ([]domain.PickingRequest, error)

	ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.PickingRequest, error)

	// StartRequest moves a non-completed request to in-progress, keeping the first startedBy/At
	StartRequest(ctx context.Context, requestNumber, worker string, at time.Time) error

	// UpdateLineItemStatus applies a single conditional update on the matched line item.
	// It reports false when the item exists but its current status does not allow the move.
	UpdateLineItemStatus(ctx context.Context, requestNumber string, lineNumber int, status domain.LineItemStatus, actor string, at time.Time) (bool, error)

	// MarkRequestCompleted flips the request to completed only if every line item is completed
	// and the request was not completed already. It reports whether this call made the change.
	MarkRequestCompleted(ctx context.Context, requestNumber string, at time.Time) (bool, error)

	ListStaleLineItems(ctx context.Context, startedBefore time.Time) ([]domain.StaleLineItem, error)
}

type LedgerRepository interface {
	// LockItem serializes ledger appends for one item until the surrounding transaction ends
	LockItem(ctx context.Context, code domain.ItemCode) error

	// LatestFor returns the newest entry's snapshot, or a zero snapshot when the item has no history
	LatestFor(ctx context.Context, code domain.ItemCode) (domain.StockSnapshot, error)

	// Append inserts an entry. Entries linked to a request line are unique per (requestNumber, lineNumber);
	// a second append for the same line reports false and writes nothing.
	Append(ctx context.Context, tx domain.InventoryTransaction) (bool, error)

	// History returns up to limit entries, newest first
	History(ctx context.Context, code domain.ItemCode, limit int) ([]domain.InventoryTransaction, error)
}

type Stores struct {
	Requests RequestRepository
	Ledger   LedgerRepository
}

// Transactor runs fn against stores that share one transaction; any error rolls everything back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

// Store is a persistence backend: non-transactional repositories plus a Transactor.
type Store interface {
	Transactor
	Requests() RequestRepository
	Ledger() LedgerRepository
}
