package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Adjustment is a manual stock correction; it is recorded as a new ledger entry.
type Adjustment struct {
	ItemCode      domain.ItemCode `json:"itemCode"`
	PhysicalDelta int             `json:"physicalDelta"`
	ReservedDelta int             `json:"reservedDelta"`
	Reason        string          `json:"reason"`
	Actor         string          `json:"actor"`
}

type LedgerService struct {
	base
}

func NewLedgerService(d Deps) *LedgerService {
	return &LedgerService{base: newBase(d)}
}

func (s *LedgerService) LatestFor(ctx context.Context, code domain.ItemCode) (domain.StockSnapshot, error) {
	if err := code.Validate(); err != nil {
		return domain.StockSnapshot{}, err
	}
	return s.Store.Ledger().LatestFor(ctx, code)
}

func (s *LedgerService) History(ctx context.Context, code domain.ItemCode, limit int) ([]domain.InventoryTransaction, error) {
	if err := code.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.Store.Ledger().History(ctx, code, limit)
}

func (s *LedgerService) Adjust(ctx context.Context, adj Adjustment) (domain.InventoryTransaction, error) {
	if err := adj.ItemCode.Validate(); err != nil {
		return domain.InventoryTransaction{}, err
	}
	if adj.PhysicalDelta == 0 && adj.ReservedDelta == 0 {
		return domain.InventoryTransaction{}, fmt.Errorf("%w: adjustment changes nothing", domain.ErrValidation)
	}

	var entry domain.InventoryTransaction
	err := s.Store.WithinTx(ctx, func(ctx context.Context, stores port.Stores) error {
		if err := stores.Ledger.LockItem(ctx, adj.ItemCode); err != nil {
			return err
		}
		prev, err := stores.Ledger.LatestFor(ctx, adj.ItemCode)
		if err != nil {
			return err
		}
		next := prev.Adjust(adj.PhysicalDelta, adj.ReservedDelta)
		entry = domain.NewTransaction(s.NewID(), s.now(), prev, next,
			domain.AdjustAction(adj.PhysicalDelta, adj.ReservedDelta, adj.Reason), domain.SourceAdjustment)
		entry.Actor = adj.Actor
		_, err = stores.Ledger.Append(ctx, entry)
		return err
	})
	if err != nil {
		s.Logger.Error("inventory adjustment failed", zap.Stringer("item_code", adj.ItemCode), zap.Error(err))
		return domain.InventoryTransaction{}, err
	}

	s.Logger.Info("inventory adjusted",
		zap.Stringer("item_code", adj.ItemCode),
		zap.Int("physical", entry.PhysicalQuantity),
		zap.Int("reserved", entry.ReservedQuantity),
	)
	s.Broadcaster.SendToAllTablets(domain.EventInventoryAdjusted, entry)
	s.publish(ctx, domain.EventInventoryAdjusted, adj.ItemCode.String(), entry)
	return entry, nil
}

// recordPick appends the deduction for a completed line item inside the caller's transaction.
// It reports false when the line already has its entry.
func (s *LedgerService) recordPick(ctx context.Context, stores port.Stores, requestNumber string, item domain.LineItem, actor string) (domain.InventoryTransaction, bool, error) {
	code := item.ItemCode()
	if err := stores.Ledger.LockItem(ctx, code); err != nil {
		return domain.InventoryTransaction{}, false, err
	}
	prev, err := stores.Ledger.LatestFor(ctx, code)
	if err != nil {
		return domain.InventoryTransaction{}, false, err
	}
	next := prev.Pick(item.Quantity)

	entry := domain.NewTransaction(s.NewID(), s.now(), prev, next,
		domain.PickAction(item.Quantity, requestNumber, item.LineNumber), domain.SourcePicking)
	entry.Actor = actor
	entry.RequestNumber = requestNumber
	entry.LineNumber = item.LineNumber

	inserted, err := stores.Ledger.Append(ctx, entry)
	if err != nil {
		return domain.InventoryTransaction{}, false, err
	}
	return entry, inserted, nil
}
