package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/lock"
	"github.com/egannguyen/sales-service/internal/metrics"
	"github.com/egannguyen/sales-service/internal/repository"
)

// SaleService orchestrates sale use cases: load, mutate, save, dispatch.
// Writers of the same sale are serialized by the locker; the repository's
// version check catches anything the lock missed.
type SaleService struct {
	sales      repository.SaleRepository
	dispatcher *EventDispatcher
	locker     lock.Locker
	metrics    *metrics.Metrics
}

func NewSaleService(
	sales repository.SaleRepository,
	dispatcher *EventDispatcher,
	locker lock.Locker,
	m *metrics.Metrics,
) *SaleService {
	return &SaleService{
		sales:      sales,
		dispatcher: dispatcher,
		locker:     locker,
		metrics:    m,
	}
}

func (s *SaleService) observe(operation string, start time.Time, err *error) {
	s.metrics.ObserveOperation(operation, start, *err)
}

// CreateSale opens a sale with its initial items.
func (s *SaleService) CreateSale(ctx context.Context, cmd entity.CreateSale) (_ *entity.Sale, err error) {
	defer s.observe("create_sale", time.Now(), &err)
	slog.Info("Service: Creating sale", "sale_number", cmd.SaleNumber, "items", len(cmd.Items))

	if len(cmd.Items) == 0 {
		return nil, &entity.ValidationError{Fields: []entity.FieldError{{Field: "items", Message: "must contain at least one item"}}}
	}

	release, err := s.locker.Acquire(ctx, "number:"+cmd.SaleNumber)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.ensureNumberFree(ctx, cmd.SaleNumber, ""); err != nil {
		return nil, err
	}

	sale := entity.NewSale(cmd.SaleNumber, cmd.Customer, cmd.Branch)
	if !cmd.SaleDate.IsZero() {
		if err := sale.SetSaleDate(cmd.SaleDate); err != nil {
			return nil, err
		}
	}
	for _, in := range cmd.Items {
		if err := sale.AddItem(in.Build()); err != nil {
			return nil, err
		}
	}
	if err := sale.Validate(); err != nil {
		return nil, err
	}

	if err := s.sales.Save(ctx, sale); err != nil {
		return nil, fmt.Errorf("failed to save sale: %w", err)
	}
	s.dispatcher.Dispatch(ctx, sale)

	slog.Info("Service: Sale created", "sale_id", sale.ID, "sale_number", sale.SaleNumber(), "total_amount", sale.TotalAmount())
	return sale, nil
}

// UpdateSale replaces the header and the items of an active sale. Items
// whose id matches an existing line keep that identity; the rest are new.
func (s *SaleService) UpdateSale(ctx context.Context, cmd entity.UpdateSale) (_ *entity.Sale, err error) {
	defer s.observe("update_sale", time.Now(), &err)
	slog.Info("Service: Updating sale", "sale_id", cmd.SaleID, "items", len(cmd.Items))

	if len(cmd.Items) == 0 {
		return nil, &entity.ValidationError{Fields: []entity.FieldError{{Field: "items", Message: "must contain at least one item"}}}
	}

	return s.mutate(ctx, cmd.SaleID, func(sale *entity.Sale) error {
		if sale.IsCancelled() {
			return entity.ErrSaleNotMutable
		}
		if cmd.SaleNumber != sale.SaleNumber() {
			if err := s.ensureNumberFree(ctx, cmd.SaleNumber, sale.ID); err != nil {
				return err
			}
		}

		date := cmd.SaleDate
		if date.IsZero() {
			date = sale.SaleDate()
		}
		if err := sale.UpdateDetails(cmd.SaleNumber, date, cmd.Customer, cmd.Branch); err != nil {
			return err
		}

		items := make([]*entity.SaleItem, 0, len(cmd.Items))
		for _, in := range cmd.Items {
			if _, ok := sale.Item(in.ID); !ok {
				in.ID = ""
			}
			items = append(items, in.Build())
		}
		if err := sale.ReplaceItems(items); err != nil {
			return err
		}
		return sale.Validate()
	})
}

// CancelSale cancels an active sale.
func (s *SaleService) CancelSale(ctx context.Context, saleID, reason string) (_ *entity.Sale, err error) {
	defer s.observe("cancel_sale", time.Now(), &err)
	slog.Info("Service: Cancelling sale", "sale_id", saleID, "reason", reason)

	return s.mutate(ctx, saleID, func(sale *entity.Sale) error {
		if sale.IsCancelled() {
			return entity.ErrAlreadyCancelled
		}
		return sale.Cancel(reason)
	})
}

// AddItem appends a line to an active sale.
func (s *SaleService) AddItem(ctx context.Context, cmd entity.AddSaleItem) (_ *entity.Sale, err error) {
	defer s.observe("add_item", time.Now(), &err)
	slog.Info("Service: Adding item", "sale_id", cmd.SaleID, "product", cmd.Item.Product, "quantity", cmd.Item.Quantity)

	return s.mutate(ctx, cmd.SaleID, func(sale *entity.Sale) error {
		item := entity.NewSaleItem(cmd.Item.Product, cmd.Item.Quantity, cmd.Item.UnitPrice)
		if err := sale.AddItem(item); err != nil {
			return err
		}
		line, _ := sale.Item(item.ID())
		return entity.ValidateItem(&line)
	})
}

// RemoveItem drops a line from an active sale. Unknown item ids are ignored.
func (s *SaleService) RemoveItem(ctx context.Context, cmd entity.RemoveSaleItem) (_ *entity.Sale, err error) {
	defer s.observe("remove_item", time.Now(), &err)
	slog.Info("Service: Removing item", "sale_id", cmd.SaleID, "item_id", cmd.ItemID)

	return s.mutate(ctx, cmd.SaleID, func(sale *entity.Sale) error {
		return sale.RemoveItem(cmd.ItemID)
	})
}

// UpdateItemQuantity changes the quantity of one line.
func (s *SaleService) UpdateItemQuantity(ctx context.Context, cmd entity.UpdateSaleItemQuantity) (_ *entity.Sale, err error) {
	defer s.observe("update_item_quantity", time.Now(), &err)
	slog.Info("Service: Updating item quantity", "sale_id", cmd.SaleID, "item_id", cmd.ItemID, "quantity", cmd.Quantity)

	return s.mutate(ctx, cmd.SaleID, func(sale *entity.Sale) error {
		return sale.UpdateItemQuantity(cmd.ItemID, cmd.Quantity)
	})
}

func (s *SaleService) GetSale(ctx context.Context, saleID string) (_ *entity.Sale, err error) {
	defer s.observe("get_sale", time.Now(), &err)
	return s.sales.FindByID(ctx, saleID)
}

func (s *SaleService) GetSaleByNumber(ctx context.Context, saleNumber string) (_ *entity.Sale, err error) {
	defer s.observe("get_sale_by_number", time.Now(), &err)
	return s.sales.FindByNumber(ctx, saleNumber)
}

func (s *SaleService) ListSales(ctx context.Context, filter repository.SaleFilter) (_ *repository.SalePage, err error) {
	defer s.observe("list_sales", time.Now(), &err)
	return s.sales.List(ctx, filter)
}

// mutate runs fn on the current state of a sale under its lock, then saves
// and dispatches. Nothing is saved when fn fails.
func (s *SaleService) mutate(ctx context.Context, saleID string, fn func(*entity.Sale) error) (*entity.Sale, error) {
	release, err := s.locker.Acquire(ctx, saleID)
	if err != nil {
		return nil, err
	}
	defer release()

	sale, err := s.sales.FindByID(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sale %s: %w", saleID, err)
	}

	if err := fn(sale); err != nil {
		return nil, err
	}

	if err := s.sales.Save(ctx, sale); err != nil {
		return nil, fmt.Errorf("failed to save sale %s: %w", saleID, err)
	}
	s.dispatcher.Dispatch(ctx, sale)
	return sale, nil
}

func (s *SaleService) ensureNumberFree(ctx context.Context, saleNumber, ownerID string) error {
	existing, err := s.sales.FindByNumber(ctx, saleNumber)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to check sale number: %w", err)
	case existing.ID != ownerID:
		return repository.ErrSaleNumberTaken
	}
	return nil
}
