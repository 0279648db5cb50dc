package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

const (
	outcomeCompleted = "completed"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
)

type CompletionResult struct {
	Request          *domain.PickingRequest       `json:"request"`
	LineItem         domain.LineItem              `json:"lineItem"`
	Transaction      *domain.InventoryTransaction `json:"transaction,omitempty"`
	AlreadyCompleted bool                         `json:"alreadyCompleted"`
	RequestCompleted bool                         `json:"requestCompleted"`
}

// CompletionOrchestrator runs the line item completion sequence: status update and ledger
// deduction in one transaction, then the request completion check, then notifications.
type CompletionOrchestrator struct {
	base
	ledger *LedgerService
	lines  keyedMutex
}

func NewCompletionOrchestrator(d Deps, ledger *LedgerService) *CompletionOrchestrator {
	return &CompletionOrchestrator{base: newBase(d), ledger: ledger}
}

func (o *CompletionOrchestrator) Complete(ctx context.Context, report domain.CompletionReport) (*CompletionResult, error) {
	unlock := o.lines.Lock(fmt.Sprintf("%s#%d", report.RequestNumber, report.LineNumber))
	defer unlock()

	log := o.Logger.With(
		zap.String("request_number", report.RequestNumber),
		zap.Int("line_number", report.LineNumber),
	)

	req, err := o.Store.Requests().FindByRequestNumber(ctx, report.RequestNumber)
	if err != nil {
		return nil, err
	}
	item, ok := req.LineItem(report.LineNumber)
	if !ok {
		return nil, fmt.Errorf("%w: line %d of request %s", domain.ErrNotFound, report.LineNumber, report.RequestNumber)
	}

	switch item.Status {
	case domain.LineItemStatusCompleted:
		log.Info("completion already recorded")
		return o.alreadyCompleted(ctx, req, item)
	case domain.LineItemStatusCancelled:
		return nil, fmt.Errorf("%w: line %d of request %s is cancelled", domain.ErrInvalidTransition, report.LineNumber, report.RequestNumber)
	}

	actor := report.CompletedBy
	if actor == "" {
		actor = report.DeviceID
	}

	var (
		applied bool
		entry   domain.InventoryTransaction
	)
	err = o.Store.WithinTx(ctx, func(ctx context.Context, stores port.Stores) error {
		ok, err := stores.Requests.UpdateLineItemStatus(ctx, req.RequestNumber, item.LineNumber,
			domain.LineItemStatusCompleted, actor, o.now())
		if err != nil || !ok {
			return err
		}
		applied = true
		entry, _, err = o.ledger.recordPick(ctx, stores, req.RequestNumber, item, actor)
		return err
	})
	if err != nil {
		o.Metrics.ObserveCompletion(outcomeFailed)
		log.Error("line item completion failed", zap.Error(err))
		return nil, err
	}
	if !applied {
		// Another report for this line committed between our read and our update.
		current, err := o.Store.Requests().FindByRequestNumber(ctx, req.RequestNumber)
		if err != nil {
			return nil, err
		}
		item, _ = current.LineItem(item.LineNumber)
		if item.Status != domain.LineItemStatusCompleted {
			return nil, fmt.Errorf("%w: line %d of request %s is %s", domain.ErrInvalidTransition, item.LineNumber, req.RequestNumber, item.Status)
		}
		return o.alreadyCompleted(ctx, current, item)
	}

	log.Info("line item completed",
		zap.String("completed_by", actor),
		zap.Stringer("item_code", item.ItemCode()),
		zap.Int("quantity", item.Quantity),
		zap.Int("physical", entry.PhysicalQuantity),
	)

	// a device may be showing another request's pick; only the lock holder drives its display
	state, err := o.Lock.Status(ctx)
	holdsLock := err == nil && state.Held && state.HolderRequestNumber == req.RequestNumber

	requestDone := o.finishRequestIfDone(ctx, req.RequestNumber)

	updated, err := o.Store.Requests().FindByRequestNumber(ctx, req.RequestNumber)
	if err != nil {
		// The completion is committed; report what we know rather than failing the device.
		log.Warn("request re-read failed after completion", zap.Error(err))
		updated = req
	}
	item, _ = updated.LineItem(item.LineNumber)

	if holdsLock {
		o.Broadcaster.SendToDevice(item.DeviceID, o.nextDisplay(updated, item.DeviceID))
	}

	event := domain.ItemCompletedEvent{
		RequestNumber: req.RequestNumber,
		LineNumber:    item.LineNumber,
		DeviceID:      item.DeviceID,
		CompletedBy:   actor,
	}
	o.Broadcaster.SendToAllTablets(domain.EventItemCompleted, event)
	o.publish(ctx, domain.EventItemCompleted, req.RequestNumber, event)
	o.Metrics.ObserveCompletion(outcomeCompleted)

	return &CompletionResult{
		Request:          updated,
		LineItem:         item,
		Transaction:      &entry,
		RequestCompleted: requestDone,
	}, nil
}

// alreadyCompleted answers a repeated report without touching the ledger. The request
// completion check still runs: it is idempotent and catches a transition missed by a crash.
func (o *CompletionOrchestrator) alreadyCompleted(ctx context.Context, req *domain.PickingRequest, item domain.LineItem) (*CompletionResult, error) {
	o.Metrics.ObserveCompletion(outcomeDuplicate)
	done := o.finishRequestIfDone(ctx, req.RequestNumber)
	if done {
		if current, err := o.Store.Requests().FindByRequestNumber(ctx, req.RequestNumber); err == nil {
			req = current
		}
	}
	return &CompletionResult{
		Request:          req,
		LineItem:         item,
		AlreadyCompleted: true,
		RequestCompleted: done,
	}, nil
}

// finishRequestIfDone completes the request when every line item is completed. Only the call
// that performs the transition releases the lock and notifies; extra calls are no-ops.
func (o *CompletionOrchestrator) finishRequestIfDone(ctx context.Context, requestNumber string) bool {
	done, err := o.Store.Requests().MarkRequestCompleted(ctx, requestNumber, o.now())
	if err != nil {
		o.Logger.Error("request completion check failed", zap.String("request_number", requestNumber), zap.Error(err))
		return false
	}
	if !done {
		return false
	}

	o.Logger.Info("request completed", zap.String("request_number", requestNumber))
	o.releaseLock(ctx, requestNumber)

	event := domain.RequestEvent{RequestNumber: requestNumber, Status: domain.RequestStatusCompleted}
	o.Broadcaster.SendToAllTablets(domain.EventRequestCompleted, event)
	o.publish(ctx, domain.EventRequestCompleted, requestNumber, event)
	return true
}

// nextDisplay shows the device its next pending item of a running request, otherwise standby.
func (o *CompletionOrchestrator) nextDisplay(req *domain.PickingRequest, deviceID string) domain.DisplayState {
	if req.Status == domain.RequestStatusInProgress {
		if next, ok := req.PendingItemForDevice(deviceID); ok {
			return domain.PickDisplay(req.RequestNumber, next)
		}
	}
	return domain.StandbyDisplay()
}
