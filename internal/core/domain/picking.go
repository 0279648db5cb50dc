package domain

import (
	"fmt"
	"time"
)

type LineItem struct {
	LineNumber  int            `json:"lineNumber"`
	ProductCode string         `json:"productCode"`
	DeviceID    string         `json:"deviceId"`
	Quantity    int            `json:"quantity"`
	Status      LineItemStatus `json:"status"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	StartedBy   string         `json:"startedBy,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	CompletedBy string         `json:"completedBy,omitempty"`
}

func (li LineItem) ItemCode() ItemCode {
	return ItemCode{DeviceID: li.DeviceID, ProductCode: li.ProductCode}
}

type PickingRequest struct {
	RequestNumber string        `json:"requestNumber"`
	Status        RequestStatus `json:"status"`
	LineItems     []LineItem    `json:"lineItems"`
	CreatedBy     string        `json:"createdBy"`
	CreatedAt     time.Time     `json:"createdAt"`
	StartedBy     string        `json:"startedBy,omitempty"`
	StartedAt     *time.Time    `json:"startedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// LineItem returns a copy of the line item with the given number.
func (r *PickingRequest) LineItem(lineNumber int) (LineItem, bool) {
	for _, li := range r.LineItems {
		if li.LineNumber == lineNumber {
			return li, true
		}
	}
	return LineItem{}, false
}

// AllCompleted is the completion rule of a request: non-empty and every line item completed.
func (r *PickingRequest) AllCompleted() bool {
	if len(r.LineItems) == 0 {
		return false
	}
	for _, li := range r.LineItems {
		if li.Status != LineItemStatusCompleted {
			return false
		}
	}
	return true
}

// HasOpenLineItems reports whether any line item can still be worked on.
func (r *PickingRequest) HasOpenLineItems() bool {
	for _, li := range r.LineItems {
		if !li.Status.IsTerminal() {
			return true
		}
	}
	return false
}

// PendingItemForDevice returns the first pending line item bound to deviceID, in line order.
func (r *PickingRequest) PendingItemForDevice(deviceID string) (LineItem, bool) {
	var (
		found LineItem
		ok    bool
	)
	for _, li := range r.LineItems {
		if li.DeviceID != deviceID || li.Status != LineItemStatusPending {
			continue
		}
		if !ok || li.LineNumber < found.LineNumber {
			found, ok = li, true
		}
	}
	return found, ok
}

// Validate checks a request before it is first persisted.
func (r *PickingRequest) Validate() error {
	if r.RequestNumber == "" {
		return fmt.Errorf("%w: request number is required", ErrValidation)
	}
	if len(r.LineItems) == 0 {
		return fmt.Errorf("%w: request %s has no line items", ErrValidation, r.RequestNumber)
	}
	seen := make(map[int]struct{}, len(r.LineItems))
	for _, li := range r.LineItems {
		if li.LineNumber <= 0 {
			return fmt.Errorf("%w: line number must be positive, got %d", ErrValidation, li.LineNumber)
		}
		if _, dup := seen[li.LineNumber]; dup {
			return fmt.Errorf("%w: duplicate line number %d", ErrValidation, li.LineNumber)
		}
		seen[li.LineNumber] = struct{}{}
		if li.DeviceID == "" || li.ProductCode == "" {
			return fmt.Errorf("%w: line %d needs a device id and product code", ErrValidation, li.LineNumber)
		}
		if li.Quantity <= 0 {
			return fmt.Errorf("%w: line %d quantity must be positive", ErrValidation, li.LineNumber)
		}
	}
	return nil
}

type RequestSummary struct {
	RequestNumber  string        `json:"requestNumber"`
	Status         RequestStatus `json:"status"`
	StatusLabel    string        `json:"statusLabel"`
	TotalQuantity  int           `json:"totalQuantity"`
	CompletedItems int           `json:"completedItems"`
	ItemCount      int           `json:"itemCount"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func (r *PickingRequest) Summary() RequestSummary {
	s := RequestSummary{
		RequestNumber: r.RequestNumber,
		Status:        r.Status,
		StatusLabel:   r.Status.Label(),
		ItemCount:     len(r.LineItems),
		CreatedAt:     r.CreatedAt,
	}
	for _, li := range r.LineItems {
		s.TotalQuantity += li.Quantity
		if li.Status == LineItemStatusCompleted {
			s.CompletedItems++
		}
	}
	return s
}

// StaleLineItem is an in-progress line item that has not moved since StartedAt.
type StaleLineItem struct {
	RequestNumber string    `json:"requestNumber"`
	LineNumber    int       `json:"lineNumber"`
	DeviceID      string    `json:"deviceId"`
	ProductCode   string    `json:"productCode"`
	StartedAt     time.Time `json:"startedAt"`
	StartedBy     string    `json:"startedBy"`
}
