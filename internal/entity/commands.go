package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CommandCreateSale             = "CreateSale"
	CommandUpdateSale             = "UpdateSale"
	CommandCancelSale             = "CancelSale"
	CommandAddSaleItem            = "AddSaleItem"
	CommandRemoveSaleItem         = "RemoveSaleItem"
	CommandUpdateSaleItemQuantity = "UpdateSaleItemQuantity"
)

// SaleItemInput is a line as submitted by a caller.
type SaleItemInput struct {
	ID        string          `json:"id,omitempty"`
	Product   string          `json:"product"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Build turns the input into a SaleItem, keeping the id when one was given.
func (in SaleItemInput) Build() *SaleItem {
	return NewSaleItemWithID(in.ID, in.Product, in.Quantity, in.UnitPrice)
}

// CreateSale is a command to open a new sale with its initial items.
// A zero SaleDate means now.
type CreateSale struct {
	SaleNumber string          `json:"sale_number"`
	SaleDate   time.Time       `json:"sale_date"`
	Customer   string          `json:"customer"`
	Branch     string          `json:"branch"`
	Items      []SaleItemInput `json:"items"`
}

// UpdateSale replaces the header and the items of an active sale.
type UpdateSale struct {
	SaleID     string          `json:"sale_id"`
	SaleNumber string          `json:"sale_number"`
	SaleDate   time.Time       `json:"sale_date"`
	Customer   string          `json:"customer"`
	Branch     string          `json:"branch"`
	Items      []SaleItemInput `json:"items"`
}

// CancelSale is a command to cancel a sale.
type CancelSale struct {
	SaleID string `json:"sale_id"`
	Reason string `json:"reason"`
}

// AddSaleItem appends one line to an active sale.
type AddSaleItem struct {
	SaleID string        `json:"sale_id"`
	Item   SaleItemInput `json:"item"`
}

// RemoveSaleItem drops one line from an active sale.
type RemoveSaleItem struct {
	SaleID string `json:"sale_id"`
	ItemID string `json:"item_id"`
}

// UpdateSaleItemQuantity changes the quantity of one line.
type UpdateSaleItemQuantity struct {
	SaleID   string `json:"sale_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}
