package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

var ErrDuplicateRequest = domain.ErrDuplicate

// Assignment is what one registered device was told when a request started.
type Assignment struct {
	DeviceID  string              `json:"deviceId"`
	Display   domain.DisplayState `json:"display"`
	Delivered bool                `json:"delivered"`
}

type StartResult struct {
	Request     *domain.PickingRequest `json:"request"`
	Assignments []Assignment           `json:"assignments"`
}

// NewRequest is the input for creating a picking request.
type NewRequest struct {
	RequestNumber string            `json:"requestNumber"`
	CreatedBy     string            `json:"createdBy"`
	LineItems     []domain.LineItem `json:"lineItems"`
}

type PickingService struct {
	base
	completion *CompletionOrchestrator
}

func NewPickingService(d Deps, completion *CompletionOrchestrator) *PickingService {
	return &PickingService{base: newBase(d), completion: completion}
}

func (s *PickingService) CreateRequest(ctx context.Context, in NewRequest) (*domain.PickingRequest, error) {
	now := s.now()
	req := domain.PickingRequest{
		RequestNumber: in.RequestNumber,
		Status:        domain.RequestStatusPending,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		LineItems:     make([]domain.LineItem, 0, len(in.LineItems)),
	}
	for _, li := range in.LineItems {
		req.LineItems = append(req.LineItems, domain.LineItem{
			LineNumber:  li.LineNumber,
			ProductCode: li.ProductCode,
			DeviceID:    li.DeviceID,
			Quantity:    li.Quantity,
			Status:      domain.LineItemStatusPending,
		})
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.Store.Requests().CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	s.Logger.Info("picking request created",
		zap.String("request_number", req.RequestNumber),
		zap.Int("line_items", len(req.LineItems)),
	)
	return &req, nil
}

func (s *PickingService) GetRequest(ctx context.Context, requestNumber string) (*domain.PickingRequest, error) {
	return s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
}

// ListRequests lists newest first; an empty status means all.
func (s *PickingService) ListRequests(ctx context.Context, status string) ([]domain.PickingRequest, error) {
	if status == "" {
		return s.Store.Requests().ListAll(ctx)
	}
	st, err := domain.ParseRequestStatus(status)
	if err != nil {
		return nil, err
	}
	return s.Store.Requests().ListByStatus(ctx, st)
}

func (s *PickingService) ListGrouped(ctx context.Context) (map[string]domain.PickingRequest, error) {
	reqs, err := s.Store.Requests().ListAll(ctx)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string]domain.PickingRequest, len(reqs))
	for _, r := range reqs {
		grouped[r.RequestNumber] = r
	}
	return grouped, nil
}

func (s *PickingService) ListSummaries(ctx context.Context) ([]domain.RequestSummary, error) {
	reqs, err := s.Store.Requests().ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RequestSummary, 0, len(reqs))
	for i := range reqs {
		out = append(out, reqs[i].Summary())
	}
	return out, nil
}

// StartRequest takes the Order Lock for the request, marks it in-progress and pushes
// a fresh assignment to every registered device.
func (s *PickingService) StartRequest(ctx context.Context, requestNumber, worker string) (*StartResult, error) {
	req, err := s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
	if err != nil {
		return nil, err
	}
	if req.Status == domain.RequestStatusCompleted {
		return nil, fmt.Errorf("%w: request %s is already completed", domain.ErrInvalidTransition, requestNumber)
	}
	// an aborted request would hold the lock with nothing left to complete
	if !req.HasOpenLineItems() {
		return nil, fmt.Errorf("%w: request %s has no open line items", domain.ErrInvalidTransition, requestNumber)
	}

	res, err := s.Lock.TryAcquire(ctx, requestNumber, worker)
	if err != nil {
		s.Logger.Error("order lock acquire failed", zap.String("request_number", requestNumber), zap.Error(err))
		return nil, err
	}
	if !res.Acquired {
		s.Metrics.IncLockConflict()
		s.Logger.Info("order lock busy",
			zap.String("request_number", requestNumber),
			zap.String("holder", res.Holder.HolderRequestNumber),
			zap.String("holder_worker", res.Holder.HolderWorker),
		)
		return nil, &ConflictError{Holder: res.Holder}
	}

	if err := s.Store.Requests().StartRequest(ctx, requestNumber, worker, s.now()); err != nil {
		// Give the lock back unless this request already held it before this call.
		if req.Status == domain.RequestStatusPending {
			s.releaseLock(ctx, requestNumber)
		}
		return nil, err
	}

	req, err = s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("picking request started", zap.String("request_number", requestNumber), zap.String("worker", worker))

	assignments := s.broadcastAssignments(req)

	event := domain.RequestEvent{RequestNumber: requestNumber, Status: req.Status, Worker: worker}
	s.Broadcaster.SendToAllTablets(domain.EventRequestStarted, event)
	s.Broadcaster.SendToAllTablets(domain.EventLockStatusUpdate, res.Holder)
	s.publish(ctx, domain.EventRequestStarted, requestNumber, event)

	return &StartResult{Request: req, Assignments: assignments}, nil
}

// broadcastAssignments tells every registered device either its pending pick or to stand down.
func (s *PickingService) broadcastAssignments(req *domain.PickingRequest) []Assignment {
	devices := s.Registry.ListDevices()
	out := make([]Assignment, 0, len(devices))
	for _, id := range devices {
		display := domain.NoPickDisplay()
		if item, ok := req.PendingItemForDevice(id); ok {
			display = domain.PickDisplay(req.RequestNumber, item)
		}
		err := s.Broadcaster.SendToDevice(id, display)
		out = append(out, Assignment{DeviceID: id, Display: display, Delivered: err == nil})
	}
	return out
}

// AbortRequest cancels the unfinished line items, releases the lock and stands all devices down.
func (s *PickingService) AbortRequest(ctx context.Context, requestNumber, worker string) (*domain.PickingRequest, error) {
	req, err := s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
	if err != nil {
		return nil, err
	}
	if req.Status == domain.RequestStatusCompleted {
		return nil, fmt.Errorf("%w: request %s is already completed", domain.ErrInvalidTransition, requestNumber)
	}

	err = s.Store.WithinTx(ctx, func(ctx context.Context, stores port.Stores) error {
		for _, li := range req.LineItems {
			if li.Status.IsTerminal() {
				continue
			}
			if _, err := stores.Requests.UpdateLineItemStatus(ctx, requestNumber, li.LineNumber,
				domain.LineItemStatusCancelled, worker, s.now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.Logger.Error("abort failed", zap.String("request_number", requestNumber), zap.Error(err))
		return nil, err
	}

	s.releaseLock(ctx, requestNumber)
	for _, id := range s.Registry.ListDevices() {
		s.Broadcaster.SendToDevice(id, domain.StandbyDisplay())
	}

	s.Logger.Info("picking request aborted", zap.String("request_number", requestNumber), zap.String("worker", worker))
	event := domain.RequestEvent{RequestNumber: requestNumber, Status: req.Status, Worker: worker}
	s.Broadcaster.SendToAllTablets(domain.EventRequestAborted, event)
	s.publish(ctx, domain.EventRequestAborted, requestNumber, event)

	return s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
}

// StartLineItem moves one pending line item to in-progress and lights its device.
// An empty deviceID targets the device bound to the line item.
func (s *PickingService) StartLineItem(ctx context.Context, requestNumber string, lineNumber int, startedBy, deviceID string) (*domain.PickingRequest, error) {
	req, err := s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
	if err != nil {
		return nil, err
	}
	item, ok := req.LineItem(lineNumber)
	if !ok {
		return nil, fmt.Errorf("%w: line %d of request %s", domain.ErrNotFound, lineNumber, requestNumber)
	}

	state, err := s.Lock.Status(ctx)
	if err != nil {
		return nil, err
	}
	if state.Held && state.HolderRequestNumber != requestNumber {
		s.Metrics.IncLockConflict()
		return nil, &ConflictError{Holder: state}
	}

	if item.Status == domain.LineItemStatusInProgress {
		return req, nil
	}
	if !item.Status.CanTransitionTo(domain.LineItemStatusInProgress) {
		return nil, fmt.Errorf("%w: line %d is %s", domain.ErrInvalidTransition, lineNumber, item.Status)
	}

	applied, err := s.Store.Requests().UpdateLineItemStatus(ctx, requestNumber, lineNumber,
		domain.LineItemStatusInProgress, startedBy, s.now())
	if err != nil {
		return nil, err
	}
	if req, err = s.Store.Requests().FindByRequestNumber(ctx, requestNumber); err != nil {
		return nil, err
	}
	item, _ = req.LineItem(lineNumber)
	if !applied && item.Status != domain.LineItemStatusInProgress {
		return nil, fmt.Errorf("%w: line %d is %s", domain.ErrInvalidTransition, lineNumber, item.Status)
	}

	if deviceID == "" {
		deviceID = item.DeviceID
	}
	s.Broadcaster.SendToDevice(deviceID, domain.PickDisplay(requestNumber, item))
	s.Broadcaster.SendToAllTablets(domain.EventItemStarted, domain.ItemStartedEvent{
		RequestNumber: requestNumber,
		LineNumber:    lineNumber,
		DeviceID:      deviceID,
		StartedBy:     startedBy,
	})
	return req, nil
}

// UpdateLineItemStatus validates the status, then routes completion through the orchestrator.
func (s *PickingService) UpdateLineItemStatus(ctx context.Context, requestNumber string, lineNumber int, status, actor string) (*domain.PickingRequest, error) {
	st, err := domain.ParseLineItemStatus(status)
	if err != nil {
		return nil, err
	}

	switch st {
	case domain.LineItemStatusCompleted:
		res, err := s.completion.Complete(ctx, domain.CompletionReport{
			RequestNumber: requestNumber,
			LineNumber:    lineNumber,
			CompletedBy:   actor,
		})
		if err != nil {
			return nil, err
		}
		return res.Request, nil
	case domain.LineItemStatusInProgress:
		return s.StartLineItem(ctx, requestNumber, lineNumber, actor, "")
	case domain.LineItemStatusCancelled:
		return s.cancelLineItem(ctx, requestNumber, lineNumber, actor)
	default:
		req, err := s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
		if err != nil {
			return nil, err
		}
		item, ok := req.LineItem(lineNumber)
		if !ok {
			return nil, fmt.Errorf("%w: line %d of request %s", domain.ErrNotFound, lineNumber, requestNumber)
		}
		if item.Status != domain.LineItemStatusPending {
			return nil, fmt.Errorf("%w: line %d cannot go back to pending", domain.ErrInvalidTransition, lineNumber)
		}
		return req, nil
	}
}

func (s *PickingService) cancelLineItem(ctx context.Context, requestNumber string, lineNumber int, actor string) (*domain.PickingRequest, error) {
	applied, err := s.Store.Requests().UpdateLineItemStatus(ctx, requestNumber, lineNumber,
		domain.LineItemStatusCancelled, actor, s.now())
	if err != nil {
		return nil, err
	}
	req, err := s.Store.Requests().FindByRequestNumber(ctx, requestNumber)
	if err != nil {
		return nil, err
	}
	item, _ := req.LineItem(lineNumber)
	if !applied {
		if item.Status == domain.LineItemStatusCancelled {
			return req, nil
		}
		return nil, fmt.Errorf("%w: line %d is %s", domain.ErrInvalidTransition, lineNumber, item.Status)
	}
	s.Logger.Info("line item cancelled",
		zap.String("request_number", requestNumber),
		zap.Int("line_number", lineNumber),
		zap.String("actor", actor),
	)
	s.Broadcaster.SendToDevice(item.DeviceID, domain.StandbyDisplay())
	return req, nil
}

func (s *PickingService) DeviceStatus() domain.DeviceStatus {
	return s.Registry.Status()
}

func (s *PickingService) LockStatus(ctx context.Context) (domain.LockState, error) {
	return s.Lock.Status(ctx)
}

// IsConflict unwraps a lock conflict raised by StartRequest or StartLineItem.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
