package domain

import (
	"fmt"
	"time"
)

// ItemCode identifies one stocked part at one display location.
type ItemCode struct {
	DeviceID    string `json:"deviceId"`
	ProductCode string `json:"productCode"`
}

func (c ItemCode) String() string {
	return c.DeviceID + "/" + c.ProductCode
}

func (c ItemCode) Validate() error {
	if c.DeviceID == "" || c.ProductCode == "" {
		return fmt.Errorf("%w: item code needs a device id and product code", ErrValidation)
	}
	return nil
}

// StockSnapshot is the stock position carried by the latest ledger entry of an item.
type StockSnapshot struct {
	ItemCode  ItemCode  `json:"itemCode"`
	Physical  int       `json:"physicalQuantity"`
	Reserved  int       `json:"reservedQuantity"`
	Available int       `json:"availableQuantity"`
	AsOf      time.Time `json:"asOf,omitempty"`
}

// ZeroSnapshot is the position of an item with no ledger history.
func ZeroSnapshot(code ItemCode) StockSnapshot {
	return StockSnapshot{ItemCode: code}
}

// Pick deducts quantity from both physical and reserved stock.
func (s StockSnapshot) Pick(quantity int) StockSnapshot {
	return s.Adjust(-quantity, -quantity)
}

// Adjust applies deltas and recomputes available from the new quantities.
func (s StockSnapshot) Adjust(physicalDelta, reservedDelta int) StockSnapshot {
	next := StockSnapshot{
		ItemCode: s.ItemCode,
		Physical: s.Physical + physicalDelta,
		Reserved: s.Reserved + reservedDelta,
	}
	next.Available = next.Physical - next.Reserved
	return next
}

const (
	SourcePicking    = "picking"
	SourceAdjustment = "adjustment"
)

// InventoryTransaction is one immutable ledger entry.
type InventoryTransaction struct {
	ID                string    `json:"id"`
	ItemCode          ItemCode  `json:"itemCode"`
	Timestamp         time.Time `json:"timestamp"`
	PreviousPhysical  int       `json:"previousPhysicalQuantity"`
	PhysicalQuantity  int       `json:"physicalQuantity"`
	ReservedQuantity  int       `json:"reservedQuantity"`
	AvailableQuantity int       `json:"availableQuantity"`
	Action            string    `json:"action"`
	Source            string    `json:"source"`
	Actor             string    `json:"actor,omitempty"`
	RequestNumber     string    `json:"requestNumber,omitempty"`
	LineNumber        int       `json:"lineNumber,omitempty"`
}

// NewTransaction builds the entry moving an item from prev to next.
func NewTransaction(id string, at time.Time, prev, next StockSnapshot, action, source string) InventoryTransaction {
	return InventoryTransaction{
		ID:                id,
		ItemCode:          next.ItemCode,
		Timestamp:         at,
		PreviousPhysical:  prev.Physical,
		PhysicalQuantity:  next.Physical,
		ReservedQuantity:  next.Reserved,
		AvailableQuantity: next.Physical - next.Reserved,
		Action:            action,
		Source:            source,
	}
}

func (t InventoryTransaction) Snapshot() StockSnapshot {
	return StockSnapshot{
		ItemCode:  t.ItemCode,
		Physical:  t.PhysicalQuantity,
		Reserved:  t.ReservedQuantity,
		Available: t.AvailableQuantity,
		AsOf:      t.Timestamp,
	}
}

// PickAction renders the human readable delta of a picking deduction.
func PickAction(quantity int, requestNumber string, lineNumber int) string {
	return fmt.Sprintf("picked %d for %s line %d", quantity, requestNumber, lineNumber)
}

func AdjustAction(physicalDelta, reservedDelta int, reason string) string {
	a := fmt.Sprintf("adjusted physical %+d reserved %+d", physicalDelta, reservedDelta)
	if reason != "" {
		a += ": " + reason
	}
	return a
}
