package entity

import (
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaleStatus is the lifecycle state of a sale.
type SaleStatus string

const (
	SaleStatusActive    SaleStatus = "Active"
	SaleStatusCancelled SaleStatus = "Cancelled"
)

// ParseSaleStatus matches a status name case-insensitively.
func ParseSaleStatus(s string) (SaleStatus, bool) {
	switch {
	case strings.EqualFold(s, string(SaleStatusActive)):
		return SaleStatusActive, true
	case strings.EqualFold(s, string(SaleStatusCancelled)):
		return SaleStatusCancelled, true
	}
	return "", false
}

const (
	maxSaleNumberLen = 50
	maxNameLen       = 100
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// Sale is the aggregate root of one commercial transaction. Every mutation
// goes through its methods so that the total always equals the sum of the
// item totals, and every notable change is queued as an event until the
// caller pulls them after saving.
type Sale struct {
	AggregateBase

	saleNumber  string
	saleDate    time.Time
	customer    string
	branch      string
	status      SaleStatus
	totalAmount decimal.Decimal
	items       []*SaleItem
	createdAt   time.Time
	updatedAt   *time.Time
}

// NewSale opens an active, empty sale dated now and queues SaleCreated.
func NewSale(saleNumber, customer, branch string) *Sale {
	ts := now()
	s := &Sale{
		AggregateBase: AggregateBase{ID: uuid.NewString()},
		saleNumber:    saleNumber,
		saleDate:      ts,
		customer:      customer,
		branch:        branch,
		status:        SaleStatusActive,
		totalAmount:   decimal.Zero,
		createdAt:     ts,
	}
	s.record(SaleCreated{
		SaleID:      s.ID,
		SaleNumber:  saleNumber,
		Customer:    customer,
		Branch:      branch,
		TotalAmount: decimal.Zero,
		ItemCount:   0,
		CreatedAt:   ts,
	})
	return s
}

// SaleState is the persisted shape of a sale, used to restore it.
type SaleState struct {
	ID         string
	Version    int
	SaleNumber string
	SaleDate   time.Time
	Customer   string
	Branch     string
	Status     SaleStatus
	CreatedAt  time.Time
	UpdatedAt  *time.Time
	Items      []*SaleItem
}

// RestoreSale rebuilds a sale from storage. The total is recomputed from the
// items and no events are queued.
func RestoreSale(st SaleState) *Sale {
	s := &Sale{
		AggregateBase: AggregateBase{ID: st.ID, Version: st.Version},
		saleNumber:    st.SaleNumber,
		saleDate:      st.SaleDate,
		customer:      st.Customer,
		branch:        st.Branch,
		status:        st.Status,
		createdAt:     st.CreatedAt,
		updatedAt:     st.UpdatedAt,
		items:         make([]*SaleItem, 0, len(st.Items)),
	}
	if s.status == "" {
		s.status = SaleStatusActive
	}
	for _, item := range st.Items {
		line := *item
		line.setSaleID(s.ID)
		s.items = append(s.items, &line)
	}
	s.totalAmount = s.sumItems()
	return s
}

func (s *Sale) SaleNumber() string           { return s.saleNumber }
func (s *Sale) SaleDate() time.Time          { return s.saleDate }
func (s *Sale) Customer() string             { return s.customer }
func (s *Sale) Branch() string               { return s.branch }
func (s *Sale) Status() SaleStatus           { return s.status }
func (s *Sale) TotalAmount() decimal.Decimal { return s.totalAmount }
func (s *Sale) CreatedAt() time.Time         { return s.createdAt }
func (s *Sale) UpdatedAt() *time.Time        { return s.updatedAt }
func (s *Sale) IsCancelled() bool            { return s.status == SaleStatusCancelled }
func (s *Sale) ItemCount() int               { return len(s.items) }

// Items returns copies of the lines in insertion order. Changing a copy does
// not affect the sale; use the Sale methods instead.
func (s *Sale) Items() []SaleItem {
	out := make([]SaleItem, len(s.items))
	for i, item := range s.items {
		out[i] = *item
	}
	return out
}

// Item returns a copy of the line with the given id.
func (s *Sale) Item(itemID string) (SaleItem, bool) {
	idx := s.indexOf(itemID)
	if idx < 0 {
		return SaleItem{}, false
	}
	return *s.items[idx], true
}

// AddItem validates the line, computes its discount, appends a copy of it and
// recalculates the sale total. Later changes to item do not reach the sale.
func (s *Sale) AddItem(item *SaleItem) error {
	if s.IsCancelled() {
		return ErrSaleNotMutable
	}
	if item.quantity > MaxItemQuantity {
		return ErrItemQuantityExceeded
	}
	line := *item
	if err := line.CalculateDiscount(); err != nil {
		return err
	}
	line.setSaleID(s.ID)
	s.items = append(s.items, &line)
	s.CalculateTotalAmount()
	return nil
}

// RemoveItem drops a line and queues ItemCancelled. Unknown ids are ignored
// on purpose: removing something that is not there is not an error.
func (s *Sale) RemoveItem(itemID string) error {
	if s.IsCancelled() {
		return ErrSaleNotMutable
	}
	idx := s.indexOf(itemID)
	if idx < 0 {
		return nil
	}
	s.record(itemCancelled(s.ID, s.items[idx]))
	s.items = slices.Delete(s.items, idx, idx+1)
	s.CalculateTotalAmount()
	return nil
}

// UpdateItemQuantity changes the quantity of an existing line.
func (s *Sale) UpdateItemQuantity(itemID string, quantity int) error {
	if s.IsCancelled() {
		return ErrSaleNotMutable
	}
	idx := s.indexOf(itemID)
	if idx < 0 {
		return ErrItemNotFound
	}
	if err := s.items[idx].UpdateQuantity(quantity); err != nil {
		return err
	}
	s.CalculateTotalAmount()
	return nil
}

// ReplaceItems swaps the whole item collection for copies of items. All
// incoming lines are validated before anything changes; two lines may not
// share an id. Current lines whose id is not part of the new set are
// reported as ItemCancelled.
func (s *Sale) ReplaceItems(items []*SaleItem) error {
	if s.IsCancelled() {
		return ErrSaleNotMutable
	}
	kept := make(map[string]struct{}, len(items))
	for i, item := range items {
		if item.quantity > MaxItemQuantity {
			return ErrItemQuantityExceeded
		}
		if _, err := DiscountRate(item.quantity); err != nil {
			return err
		}
		if _, dup := kept[item.id]; dup {
			return &ValidationError{Fields: []FieldError{{
				Field:   "items[" + strconv.Itoa(i) + "].id",
				Message: "duplicates another line",
			}}}
		}
		kept[item.id] = struct{}{}
	}
	for _, current := range s.items {
		if _, ok := kept[current.id]; !ok {
			s.record(itemCancelled(s.ID, current))
		}
	}

	next := make([]*SaleItem, 0, len(items))
	for _, item := range items {
		line := *item
		// quantity was checked above, cannot fail
		_ = line.CalculateDiscount()
		line.setSaleID(s.ID)
		next = append(next, &line)
	}
	s.items = next
	s.CalculateTotalAmount()
	return nil
}

// CalculateTotalAmount sets the total to the sum of item totals. A change
// away from a positive total queues SaleModified; the first population of
// an empty sale does not.
func (s *Sale) CalculateTotalAmount() {
	previous := s.totalAmount
	s.totalAmount = s.sumItems()
	s.touch()

	if !s.totalAmount.Equal(previous) && previous.IsPositive() {
		s.record(SaleModified{
			SaleID:           s.ID,
			SaleNumber:       s.saleNumber,
			PreviousAmount:   previous,
			TotalAmount:      s.totalAmount,
			ModificationType: ModificationAmountRecalculated,
			ModifiedAt:       now(),
		})
	}
}

// Cancel moves the sale to Cancelled and queues SaleCancelled. Cancelled is
// terminal: a second call fails with ErrAlreadyCancelled.
func (s *Sale) Cancel(reason string) error {
	if s.IsCancelled() {
		return ErrAlreadyCancelled
	}
	s.status = SaleStatusCancelled
	s.touch()
	s.record(SaleCancelled{
		SaleID:          s.ID,
		SaleNumber:      s.saleNumber,
		Reason:          reason,
		CancelledAmount: s.totalAmount,
		CancelledAt:     now(),
	})
	return nil
}

// SetSaleDate changes the business date. Future dates are rejected.
func (s *Sale) SetSaleDate(date time.Time) error {
	if s.IsCancelled() {
		return ErrSaleNotMutable
	}
	if date.After(now()) {
		return ErrSaleDateInFuture
	}
	s.saleDate = date.UTC()
	s.touch()
	return nil
}

// UpdateDetails replaces the header fields of an active sale.
func (s *Sale) UpdateDetails(saleNumber string, saleDate time.Time, customer, branch string) error {
	if s.IsCancelled() {
		return ErrSaleNotMutable
	}
	verr := &ValidationError{}
	checkText(verr, "sale_number", saleNumber, maxSaleNumberLen)
	checkText(verr, "customer", customer, maxNameLen)
	checkText(verr, "branch", branch, maxNameLen)
	if err := verr.orNil(); err != nil {
		return err
	}
	if err := s.SetSaleDate(saleDate); err != nil {
		return err
	}
	s.saleNumber = saleNumber
	s.customer = customer
	s.branch = branch
	return nil
}

// Validate reports every header and line violation at once.
func (s *Sale) Validate() error {
	verr := &ValidationError{}
	checkText(verr, "sale_number", s.saleNumber, maxSaleNumberLen)
	checkText(verr, "customer", s.customer, maxNameLen)
	checkText(verr, "branch", s.branch, maxNameLen)
	if s.saleDate.IsZero() {
		verr.add("sale_date", "is required")
	} else if s.saleDate.After(now()) {
		verr.add("sale_date", "cannot be in the future")
	}
	for i, item := range s.items {
		validateItem(verr, "items["+strconv.Itoa(i)+"]", item)
	}
	return verr.orNil()
}

// ValidateItem checks a single line before it is added.
func ValidateItem(item *SaleItem) error {
	verr := &ValidationError{}
	validateItem(verr, "item", item)
	return verr.orNil()
}

func validateItem(verr *ValidationError, prefix string, item *SaleItem) {
	checkText(verr, prefix+".product", item.product, maxNameLen)
	if item.quantity < MinItemQuantity || item.quantity > MaxItemQuantity {
		verr.add(prefix+".quantity", "must be between 1 and 20")
		return
	}
	if !item.unitPrice.IsPositive() {
		verr.add(prefix+".unit_price", "must be greater than zero")
	}
	rate, _ := DiscountRate(item.quantity)
	if !item.discount.IsZero() && !item.discount.Equal(item.Subtotal().Mul(rate)) {
		verr.add(prefix+".discount", "does not match the quantity tier")
	}
}

func checkText(verr *ValidationError, field, value string, limit int) {
	if strings.TrimSpace(value) == "" {
		verr.add(field, "is required")
		return
	}
	if utf8.RuneCountInString(value) > limit {
		verr.add(field, "cannot exceed "+strconv.Itoa(limit)+" characters")
	}
}

func (s *Sale) sumItems() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.items {
		total = total.Add(item.totalAmount)
	}
	return total
}

func (s *Sale) indexOf(itemID string) int {
	return slices.IndexFunc(s.items, func(i *SaleItem) bool { return i.id == itemID })
}

func (s *Sale) touch() {
	ts := now()
	s.updatedAt = &ts
}

func itemCancelled(saleID string, item *SaleItem) ItemCancelled {
	return ItemCancelled{
		SaleID:      saleID,
		ItemID:      item.id,
		Product:     item.product,
		Quantity:    item.quantity,
		UnitPrice:   item.unitPrice,
		TotalAmount: item.totalAmount,
		CancelledAt: now(),
	}
}
