package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventSaleCreated   = "SaleCreated"
	EventSaleModified  = "SaleModified"
	EventSaleCancelled = "SaleCancelled"
	EventItemCancelled = "ItemCancelled"

	// ModificationAmountRecalculated tags a SaleModified raised by a total recalculation.
	ModificationAmountRecalculated = "Amount Recalculated"
)

// SaleCreated is emitted when a new sale is opened.
type SaleCreated struct {
	SaleID      string          `json:"sale_id"`
	SaleNumber  string          `json:"sale_number"`
	Customer    string          `json:"customer"`
	Branch      string          `json:"branch"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	ItemCount   int             `json:"item_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (e SaleCreated) EventType() string   { return EventSaleCreated }
func (e SaleCreated) AggregateID() string { return e.SaleID }

// SaleModified is emitted when the total of a sale that already had a
// positive total changes.
type SaleModified struct {
	SaleID           string          `json:"sale_id"`
	SaleNumber       string          `json:"sale_number"`
	PreviousAmount   decimal.Decimal `json:"previous_amount"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	ModificationType string          `json:"modification_type"`
	ModifiedAt       time.Time       `json:"modified_at"`
}

func (e SaleModified) EventType() string   { return EventSaleModified }
func (e SaleModified) AggregateID() string { return e.SaleID }

// SaleCancelled is emitted once, when a sale transitions to Cancelled.
type SaleCancelled struct {
	SaleID          string          `json:"sale_id"`
	SaleNumber      string          `json:"sale_number"`
	Reason          string          `json:"reason"`
	CancelledAmount decimal.Decimal `json:"cancelled_amount"`
	CancelledAt     time.Time       `json:"cancelled_at"`
}

func (e SaleCancelled) EventType() string   { return EventSaleCancelled }
func (e SaleCancelled) AggregateID() string { return e.SaleID }

// ItemCancelled is emitted when a line is removed from a sale. It carries the
// line as it was before removal.
type ItemCancelled struct {
	SaleID      string          `json:"sale_id"`
	ItemID      string          `json:"item_id"`
	Product     string          `json:"product"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CancelledAt time.Time       `json:"cancelled_at"`
}

func (e ItemCancelled) EventType() string   { return EventItemCancelled }
func (e ItemCancelled) AggregateID() string { return e.SaleID }

// DecodeEvent rebuilds a typed event from its type tag and JSON payload.
func DecodeEvent(eventType string, payload []byte) (Event, error) {
	var (
		event Event
		err   error
	)
	switch eventType {
	case EventSaleCreated:
		var e SaleCreated
		err = json.Unmarshal(payload, &e)
		event = e
	case EventSaleModified:
		var e SaleModified
		err = json.Unmarshal(payload, &e)
		event = e
	case EventSaleCancelled:
		var e SaleCancelled
		err = json.Unmarshal(payload, &e)
		event = e
	case EventItemCancelled:
		var e ItemCancelled
		err = json.Unmarshal(payload, &e)
		event = e
	default:
		return nil, fmt.Errorf("unknown event type in sale stream: %s", eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}
	return event, nil
}
