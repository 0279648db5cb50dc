package domain

import "fmt"

type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusInProgress RequestStatus = "in-progress"
	RequestStatusCompleted  RequestStatus = "completed"
)

type LineItemStatus string

const (
	LineItemStatusPending    LineItemStatus = "pending"
	LineItemStatusInProgress LineItemStatus = "in-progress"
	LineItemStatusCompleted  LineItemStatus = "completed"
	LineItemStatusCancelled  LineItemStatus = "cancelled"
)

// statusLabels is the only place status values are turned into display text.
var statusLabels = map[string]string{
	"pending":     "Pending",
	"in-progress": "In Progress",
	"completed":   "Completed",
	"cancelled":   "Cancelled",
}

// lineItemRank orders the forward path of a line item; cancelled sits outside it.
var lineItemRank = map[LineItemStatus]int{
	LineItemStatusPending:    0,
	LineItemStatusInProgress: 1,
	LineItemStatusCompleted:  2,
}

func label(s string) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return s
}

func (s RequestStatus) Label() string { return label(string(s)) }

func (s LineItemStatus) Label() string { return label(string(s)) }

func ParseRequestStatus(s string) (RequestStatus, error) {
	switch st := RequestStatus(s); st {
	case RequestStatusPending, RequestStatusInProgress, RequestStatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown request status %q", ErrValidation, s)
}

func ParseLineItemStatus(s string) (LineItemStatus, error) {
	switch st := LineItemStatus(s); st {
	case LineItemStatusPending, LineItemStatusInProgress, LineItemStatusCompleted, LineItemStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown line item status %q", ErrValidation, s)
}

func (s LineItemStatus) IsTerminal() bool {
	return s == LineItemStatusCompleted || s == LineItemStatusCancelled
}

// CanTransitionTo reports whether moving from s to next keeps the line item monotonic.
func (s LineItemStatus) CanTransitionTo(next LineItemStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == LineItemStatusCancelled {
		return true
	}
	from, ok := lineItemRank[s]
	if !ok {
		return false
	}
	to, ok := lineItemRank[next]
	return ok && to > from
}

// AllowedFrom lists the statuses a line item may be in for a move to s to apply.
func (s LineItemStatus) AllowedFrom() []LineItemStatus {
	var from []LineItemStatus
	for _, cur := range []LineItemStatus{LineItemStatusPending, LineItemStatusInProgress} {
		if cur.CanTransitionTo(s) {
			from = append(from, cur)
		}
	}
	return from
}
