package entity

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MinItemQuantity = 1
	MaxItemQuantity = 20
)

var (
	rateNone   = decimal.Zero
	rateTen    = decimal.New(10, -2)
	rateTwenty = decimal.New(20, -2)
)

// SaleItem is one product line within a sale. Discount and total are
// derived from quantity and unit price and can only change through
// CalculateDiscount or UpdateQuantity.
type SaleItem struct {
	id        string
	saleID    string
	product   string
	quantity  int
	unitPrice decimal.Decimal

	discount    decimal.Decimal
	totalAmount decimal.Decimal
}

// NewSaleItem creates an item with a fresh id. Discount and total stay zero
// until the item is added to a sale or CalculateDiscount is called.
func NewSaleItem(product string, quantity int, unitPrice decimal.Decimal) *SaleItem {
	return &SaleItem{
		id:        uuid.NewString(),
		product:   product,
		quantity:  quantity,
		unitPrice: unitPrice,
	}
}

// NewSaleItemWithID is NewSaleItem for a line whose id is already known,
// e.g. an existing line resubmitted in an update.
func NewSaleItemWithID(id, product string, quantity int, unitPrice decimal.Decimal) *SaleItem {
	item := NewSaleItem(product, quantity, unitPrice)
	if id != "" {
		item.id = id
	}
	return item
}

// RestoreSaleItem rebuilds an item from stored values. Derived amounts are
// recomputed rather than trusted.
func RestoreSaleItem(id, saleID, product string, quantity int, unitPrice decimal.Decimal) (*SaleItem, error) {
	item := &SaleItem{
		id:        id,
		saleID:    saleID,
		product:   product,
		quantity:  quantity,
		unitPrice: unitPrice,
	}
	if err := item.CalculateDiscount(); err != nil {
		return nil, err
	}
	return item, nil
}

func (i *SaleItem) ID() string                   { return i.id }
func (i *SaleItem) SaleID() string               { return i.saleID }
func (i *SaleItem) Product() string              { return i.product }
func (i *SaleItem) Quantity() int                { return i.quantity }
func (i *SaleItem) UnitPrice() decimal.Decimal   { return i.unitPrice }
func (i *SaleItem) Discount() decimal.Decimal    { return i.discount }
func (i *SaleItem) TotalAmount() decimal.Decimal { return i.totalAmount }

// Subtotal is unit price times quantity, before discount.
func (i *SaleItem) Subtotal() decimal.Decimal {
	return i.unitPrice.Mul(decimal.NewFromInt(int64(i.quantity)))
}

// CalculateDiscount recomputes discount and total from the current quantity
// and unit price. Both fields are updated together or not at all.
func (i *SaleItem) CalculateDiscount() error {
	rate, err := DiscountRate(i.quantity)
	if err != nil {
		return err
	}
	subtotal := i.Subtotal()
	i.discount = subtotal.Mul(rate)
	i.totalAmount = subtotal.Sub(i.discount)
	return nil
}

// UpdateQuantity changes the quantity and recalculates. An out-of-range
// quantity is rejected and the previous quantity is kept.
func (i *SaleItem) UpdateQuantity(quantity int) error {
	previous := i.quantity
	i.quantity = quantity
	if err := i.CalculateDiscount(); err != nil {
		i.quantity = previous
		return err
	}
	return nil
}

// DiscountRate returns the tiered discount rate for a quantity:
// 1-3 none, 4-9 10%, 10-20 20%.
func DiscountRate(quantity int) (decimal.Decimal, error) {
	switch {
	case quantity < MinItemQuantity || quantity > MaxItemQuantity:
		return decimal.Zero, ErrInvalidQuantity
	case quantity < 4:
		return rateNone, nil
	case quantity < 10:
		return rateTen, nil
	default:
		return rateTwenty, nil
	}
}

func (i *SaleItem) setSaleID(saleID string) {
	i.saleID = saleID
}
