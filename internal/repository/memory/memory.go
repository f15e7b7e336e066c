// Package memory keeps sales and their outbox in process. It backs tests and
// local runs with DATABASE_DRIVER=memory.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/repository"
	"github.com/google/uuid"
)

type Store struct {
	mu       sync.RWMutex
	sales    map[string]entity.SaleState
	byNumber map[string]string
	events   []entity.EventStoreRecord
}

// New returns an empty store. It satisfies both repository.SaleRepository
// and repository.EventStore.
func New() *Store {
	return &Store{
		sales:    map[string]entity.SaleState{},
		byNumber: map[string]string{},
	}
}

var (
	_ repository.SaleRepository = (*Store)(nil)
	_ repository.EventStore     = (*Store)(nil)
)

func (s *Store) Save(_ context.Context, sale *entity.Sale) error {
	pending := sale.PendingEvents()
	expected := sale.GetVersion()
	// every save moves the version, even one that records no events, so a
	// writer holding a stale copy is always rejected
	next := expected + max(len(pending), 1)

	payloads := make([][]byte, len(pending))
	for i, event := range pending {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.EventType(), err)
		}
		payloads[i] = payload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.sales[sale.ID]
	if (exists && current.Version != expected) || (!exists && expected != 0) {
		return repository.ErrConcurrentModification
	}
	if owner, taken := s.byNumber[sale.SaleNumber()]; taken && owner != sale.ID {
		return repository.ErrSaleNumberTaken
	}

	if exists {
		delete(s.byNumber, current.SaleNumber)
	}
	st := snapshot(sale)
	st.Version = next
	s.sales[sale.ID] = st
	s.byNumber[st.SaleNumber] = sale.ID

	now := time.Now().UTC()
	for i, event := range pending {
		s.events = append(s.events, entity.EventStoreRecord{
			ID:         uuid.NewString(),
			StreamID:   sale.ID,
			StreamType: "Sale",
			Version:    expected + i + 1,
			EventType:  event.EventType(),
			Payload:    payloads[i],
			CreatedAt:  now,
		})
	}

	sale.MarkCommitted(next)
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*entity.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sales[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return restore(st), nil
}

func (s *Store) FindByNumber(ctx context.Context, saleNumber string) (*entity.Sale, error) {
	s.mu.RLock()
	id, ok := s.byNumber[saleNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *Store) List(_ context.Context, filter repository.SaleFilter) (*repository.SalePage, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	var matched []*entity.Sale
	for _, st := range s.sales {
		if matches(st, filter) {
			matched = append(matched, restore(st))
		}
	}
	s.mu.RUnlock()

	order := repository.ParseOrder(filter.Order)
	slices.SortFunc(matched, func(a, b *entity.Sale) int {
		for _, f := range order {
			c := compareField(a, b, f.Field)
			if f.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := len(matched)
	start := min((filter.Page-1)*filter.Size, total)
	end := min(start+filter.Size, total)

	return &repository.SalePage{
		Sales:       append([]*entity.Sale{}, matched[start:end]...),
		TotalItems:  total,
		CurrentPage: filter.Page,
		TotalPages:  repository.TotalPages(total, filter.Size),
	}, nil
}

func (s *Store) LoadEvents(_ context.Context, streamID string) ([]entity.EventStoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.EventStoreRecord
	for _, r := range s.events {
		if r.StreamID == streamID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) LoadUnpublished(_ context.Context, before time.Time, limit int) ([]entity.EventStoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.EventStoreRecord
	for _, r := range s.events {
		if len(out) >= limit {
			break
		}
		if r.PublishedAt == nil && !r.CreatedAt.After(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, streamID string, uptoVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i := range s.events {
		r := &s.events[i]
		if r.StreamID == streamID && r.Version <= uptoVersion && r.PublishedAt == nil {
			r.PublishedAt = &now
		}
	}
	return nil
}

// snapshot copies the sale so later mutations of the aggregate do not leak
// into the store.
func snapshot(sale *entity.Sale) entity.SaleState {
	st := entity.SaleState{
		ID:         sale.ID,
		SaleNumber: sale.SaleNumber(),
		SaleDate:   sale.SaleDate(),
		Customer:   sale.Customer(),
		Branch:     sale.Branch(),
		Status:     sale.Status(),
		CreatedAt:  sale.CreatedAt(),
	}
	if ts := sale.UpdatedAt(); ts != nil {
		v := *ts
		st.UpdatedAt = &v
	}
	for _, item := range sale.Items() {
		copied := item
		st.Items = append(st.Items, &copied)
	}
	return st
}

func restore(st entity.SaleState) *entity.Sale {
	items := make([]*entity.SaleItem, len(st.Items))
	for i, item := range st.Items {
		copied := *item
		items[i] = &copied
	}
	st.Items = items
	return entity.RestoreSale(st)
}

func matches(st entity.SaleState, f repository.SaleFilter) bool {
	if f.Customer != "" && !strings.Contains(strings.ToLower(st.Customer), strings.ToLower(f.Customer)) {
		return false
	}
	if f.Branch != "" && !strings.Contains(strings.ToLower(st.Branch), strings.ToLower(f.Branch)) {
		return false
	}
	if f.MinDate != nil && st.SaleDate.Before(*f.MinDate) {
		return false
	}
	if f.MaxDate != nil && st.SaleDate.After(*f.MaxDate) {
		return false
	}
	if f.Status != "" && st.Status != f.Status {
		return false
	}
	return true
}

func compareField(a, b *entity.Sale, field string) int {
	switch field {
	case repository.OrderSaleNumber:
		return cmp.Compare(a.SaleNumber(), b.SaleNumber())
	case repository.OrderSaleDate:
		return a.SaleDate().Compare(b.SaleDate())
	case repository.OrderCustomer:
		return cmp.Compare(a.Customer(), b.Customer())
	case repository.OrderBranch:
		return cmp.Compare(a.Branch(), b.Branch())
	case repository.OrderTotalAmount:
		return a.TotalAmount().Cmp(b.TotalAmount())
	default:
		return a.CreatedAt().Compare(b.CreatedAt())
	}
}
