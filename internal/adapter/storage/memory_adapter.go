package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

// MemoryAdapter keeps requests and the ledger in process memory. Transactions hold one
// store-wide mutex and roll back by restoring a copy taken at the start.
type MemoryAdapter struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	requests map[string]domain.PickingRequest
	ledger   []domain.InventoryTransaction
	picked   map[string]struct{} // requestNumber#lineNumber with a ledger entry
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{state: &memoryState{
		requests: make(map[string]domain.PickingRequest),
		picked:   make(map[string]struct{}),
	}}
}

func (m *MemoryAdapter) Requests() port.RequestRepository { return &memoryRequests{m: m} }

func (m *MemoryAdapter) Ledger() port.LedgerRepository { return &memoryLedger{m: m} }

func (m *MemoryAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, stores port.Stores) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := m.state.clone()
	err := fn(ctx, port.Stores{
		Requests: &memoryRequests{m: m, inTx: true},
		Ledger:   &memoryLedger{m: m, inTx: true},
	})
	if err != nil {
		m.state = backup
	}
	return err
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		requests: make(map[string]domain.PickingRequest, len(s.requests)),
		ledger:   append([]domain.InventoryTransaction(nil), s.ledger...),
		picked:   make(map[string]struct{}, len(s.picked)),
	}
	for k, v := range s.requests {
		c.requests[k] = copyRequest(v)
	}
	for k := range s.picked {
		c.picked[k] = struct{}{}
	}
	return c
}

func copyRequest(r domain.PickingRequest) domain.PickingRequest {
	r.LineItems = append([]domain.LineItem(nil), r.LineItems...)
	return r
}

func pickKey(requestNumber string, lineNumber int) string {
	return fmt.Sprintf("%s#%d", requestNumber, lineNumber)
}

func timePtr(t time.Time) *time.Time { return &t }

type memoryRequests struct {
	m    *MemoryAdapter
	inTx bool
}

func (r *memoryRequests) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.m.mu.Lock()
	return r.m.mu.Unlock
}

func (r *memoryRequests) CreateRequest(_ context.Context, req domain.PickingRequest) error {
	defer r.lock()()
	if _, ok := r.m.state.requests[req.RequestNumber]; ok {
		return fmt.Errorf("request %s: %w", req.RequestNumber, domain.ErrDuplicate)
	}
	r.m.state.requests[req.RequestNumber] = copyRequest(req)
	return nil
}

func (r *memoryRequests) FindByRequestNumber(_ context.Context, requestNumber string) (*domain.PickingRequest, error) {
	defer r.lock()()
	req, ok := r.m.state.requests[requestNumber]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestNumber, domain.ErrNotFound)
	}
	out := copyRequest(req)
	return &out, nil
}

func (r *memoryRequests) ListAll(_ context.Context) ([]domain.PickingRequest, error) {
	defer r.lock()()
	return r.m.state.list(func(domain.PickingRequest) bool { return true }), nil
}

func (r *memoryRequests) ListByStatus(_ context.Context, status domain.RequestStatus) ([]domain.PickingRequest, error) {
	defer r.lock()()
	return r.m.state.list(func(req domain.PickingRequest) bool { return req.Status == status }), nil
}

func (s *memoryState) list(keep func(domain.PickingRequest) bool) []domain.PickingRequest {
	out := make([]domain.PickingRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if keep(req) {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestNumber > out[j].RequestNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *memoryRequests) StartRequest(_ context.Context, requestNumber, worker string, at time.Time) error {
	defer r.lock()()
	req, ok := r.m.state.requests[requestNumber]
	if !ok {
		return fmt.Errorf("request %s: %w", requestNumber, domain.ErrNotFound)
	}
	if req.Status == domain.RequestStatusCompleted {
		return fmt.Errorf("request %s: %w", requestNumber, domain.ErrInvalidTransition)
	}
	req.Status = domain.RequestStatusInProgress
	if req.StartedAt == nil {
		req.StartedAt = timePtr(at)
		req.StartedBy = worker
	}
	req.UpdatedAt = at
	r.m.state.requests[requestNumber] = req
	return nil
}

func (r *memoryRequests) UpdateLineItemStatus(_ context.Context, requestNumber string, lineNumber int, status domain.LineItemStatus, actor string, at time.Time) (bool, error) {
	defer r.lock()()
	req, ok := r.m.state.requests[requestNumber]
	if !ok {
		return false, fmt.Errorf("request %s: %w", requestNumber, domain.ErrNotFound)
	}
	for i := range req.LineItems {
		li := &req.LineItems[i]
		if li.LineNumber != lineNumber {
			continue
		}
		if !li.Status.CanTransitionTo(status) {
			return false, nil
		}
		li.Status = status
		switch status {
		case domain.LineItemStatusInProgress:
			if li.StartedAt == nil {
				li.StartedAt, li.StartedBy = timePtr(at), actor
			}
		case domain.LineItemStatusCompleted:
			if li.CompletedAt == nil {
				li.CompletedAt, li.CompletedBy = timePtr(at), actor
			}
		}
		req.UpdatedAt = at
		r.m.state.requests[requestNumber] = req
		return true, nil
	}
	return false, fmt.Errorf("request %s line %d: %w", requestNumber, lineNumber, domain.ErrNotFound)
}

func (r *memoryRequests) MarkRequestCompleted(_ context.Context, requestNumber string, at time.Time) (bool, error) {
	defer r.lock()()
	req, ok := r.m.state.requests[requestNumber]
	if !ok {
		return false, fmt.Errorf("request %s: %w", requestNumber, domain.ErrNotFound)
	}
	if req.Status == domain.RequestStatusCompleted || !req.AllCompleted() {
		return false, nil
	}
	req.Status = domain.RequestStatusCompleted
	req.CompletedAt = timePtr(at)
	req.UpdatedAt = at
	r.m.state.requests[requestNumber] = req
	return true, nil
}

func (r *memoryRequests) ListStaleLineItems(_ context.Context, startedBefore time.Time) ([]domain.StaleLineItem, error) {
	defer r.lock()()
	var out []domain.StaleLineItem
	for _, req := range r.m.state.requests {
		for _, li := range req.LineItems {
			if li.Status != domain.LineItemStatusInProgress || li.StartedAt == nil || !li.StartedAt.Before(startedBefore) {
				continue
			}
			out = append(out, domain.StaleLineItem{
				RequestNumber: req.RequestNumber,
				LineNumber:    li.LineNumber,
				DeviceID:      li.DeviceID,
				ProductCode:   li.ProductCode,
				StartedAt:     *li.StartedAt,
				StartedBy:     li.StartedBy,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

type memoryLedger struct {
	m    *MemoryAdapter
	inTx bool
}

func (l *memoryLedger) lock() func() {
	if l.inTx {
		return func() {}
	}
	l.m.mu.Lock()
	return l.m.mu.Unlock
}

// LockItem is a no-op: every memory transaction already holds the store mutex.
func (l *memoryLedger) LockItem(context.Context, domain.ItemCode) error { return nil }

func (l *memoryLedger) LatestFor(_ context.Context, code domain.ItemCode) (domain.StockSnapshot, error) {
	defer l.lock()()
	var (
		latest domain.InventoryTransaction
		found  bool
	)
	for _, t := range l.m.state.ledger {
		if t.ItemCode != code {
			continue
		}
		// later appends win ties, matching the insertion sequence tie-break in MySQL
		if !found || !t.Timestamp.Before(latest.Timestamp) {
			latest, found = t, true
		}
	}
	if !found {
		return domain.ZeroSnapshot(code), nil
	}
	return latest.Snapshot(), nil
}

func (l *memoryLedger) Append(_ context.Context, t domain.InventoryTransaction) (bool, error) {
	defer l.lock()()
	if t.RequestNumber != "" {
		key := pickKey(t.RequestNumber, t.LineNumber)
		if _, ok := l.m.state.picked[key]; ok {
			return false, nil
		}
		l.m.state.picked[key] = struct{}{}
	}
	l.m.state.ledger = append(l.m.state.ledger, t)
	return true, nil
}

func (l *memoryLedger) History(_ context.Context, code domain.ItemCode, limit int) ([]domain.InventoryTransaction, error) {
	defer l.lock()()
	var out []domain.InventoryTransaction
	for i := len(l.m.state.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if t := l.m.state.ledger[i]; t.ItemCode == code {
			out = append(out, t)
		}
	}
	return out, nil
}
