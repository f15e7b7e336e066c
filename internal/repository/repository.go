package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/egannguyen/sales-service/internal/entity"
)

var (
	ErrNotFound               = errors.New("sale not found")
	ErrConcurrentModification = errors.New("sale was modified concurrently")
	ErrSaleNumberTaken        = errors.New("sale number already exists")
)

// SaleRepository handles persistence for Sales.
type SaleRepository interface {
	FindByID(ctx context.Context, id string) (*entity.Sale, error)
	FindByNumber(ctx context.Context, saleNumber string) (*entity.Sale, error)
	// Save upserts the sale and its items and appends its pending events to
	// the outbox in one transaction. It fails with ErrConcurrentModification
	// when the stored version differs from the sale's version.
	Save(ctx context.Context, sale *entity.Sale) error
	List(ctx context.Context, filter SaleFilter) (*SalePage, error)
}

// EventStore reads the outbox written by SaleRepository.Save.
type EventStore interface {
	LoadEvents(ctx context.Context, streamID string) ([]entity.EventStoreRecord, error)
	LoadUnpublished(ctx context.Context, before time.Time, limit int) ([]entity.EventStoreRecord, error)
	MarkPublished(ctx context.Context, streamID string, uptoVersion int) error
}

// SaleFilter narrows and orders a sale listing.
type SaleFilter struct {
	Customer string
	Branch   string
	MinDate  *time.Time
	MaxDate  *time.Time
	Status   entity.SaleStatus
	// Order is a comma separated list of fields, each optionally followed by
	// " desc", e.g. "saleDate desc, saleNumber".
	Order string
	Page  int
	Size  int
}

// SalePage is one page of a listing.
type SalePage struct {
	Sales       []*entity.Sale
	TotalItems  int
	CurrentPage int
	TotalPages  int
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Normalize applies paging defaults.
func (f SaleFilter) Normalize() SaleFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Size < 1 {
		f.Size = DefaultPageSize
	}
	if f.Size > MaxPageSize {
		f.Size = MaxPageSize
	}
	return f
}

// TotalPages computes the page count for a result size.
func TotalPages(totalItems, size int) int {
	if size <= 0 {
		return 0
	}
	return (totalItems + size - 1) / size
}

// Sortable fields accepted in SaleFilter.Order.
const (
	OrderSaleNumber  = "saleNumber"
	OrderSaleDate    = "saleDate"
	OrderCustomer    = "customer"
	OrderBranch      = "branch"
	OrderTotalAmount = "totalAmount"
	OrderCreatedAt   = "createdAt"
)

// OrderField is one parsed ordering term.
type OrderField struct {
	Field string
	Desc  bool
}

// ParseOrder parses SaleFilter.Order. Unknown fields are skipped. An empty
// result means newest first.
func ParseOrder(order string) []OrderField {
	known := map[string]string{
		"salenumber":  OrderSaleNumber,
		"saledate":    OrderSaleDate,
		"customer":    OrderCustomer,
		"branch":      OrderBranch,
		"totalamount": OrderTotalAmount,
		"createdat":   OrderCreatedAt,
	}

	var fields []OrderField
	for _, part := range strings.Split(order, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		desc := false
		if len(part) > 5 && strings.EqualFold(part[len(part)-5:], " desc") {
			desc = true
			part = strings.TrimSpace(part[:len(part)-5])
		} else if len(part) > 4 && strings.EqualFold(part[len(part)-4:], " asc") {
			part = strings.TrimSpace(part[:len(part)-4])
		}
		if field, ok := known[strings.ToLower(part)]; ok {
			fields = append(fields, OrderField{Field: field, Desc: desc})
		}
	}
	if len(fields) == 0 {
		return []OrderField{{Field: OrderCreatedAt, Desc: true}}
	}
	return fields
}
