package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/lock"
	"github.com/egannguyen/sales-service/internal/messaging"
	"github.com/egannguyen/sales-service/internal/metrics"
	"github.com/egannguyen/sales-service/internal/repository"
	"github.com/egannguyen/sales-service/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBrokerDown = errors.New("broker down")

type recordingPublisher struct {
	mu       sync.Mutex
	sent     []messaging.Envelope
	keys     []string
	failures int
}

func (p *recordingPublisher) PublishEvent(_ context.Context, _ string, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errBrokerDown
	}
	p.sent = append(p.sent, event.(messaging.Envelope))
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	for i, env := range p.sent {
		out[i] = env.Type
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent, p.keys = nil, nil
}

type fixture struct {
	svc        *SaleService
	store      *memory.Store
	pub        *recordingPublisher
	dispatcher *EventDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	pub := &recordingPublisher{}
	m := metrics.New()
	dispatcher := NewEventDispatcher(pub, store, m, DispatcherConfig{Topic: "sales.events"})
	return &fixture{
		svc:        NewSaleService(store, dispatcher, lock.NewLocal(), m),
		store:      store,
		pub:        pub,
		dispatcher: dispatcher,
	}
}

func item(product string, qty int, price string) entity.SaleItemInput {
	return entity.SaleItemInput{Product: product, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func createCmd(number string, items ...entity.SaleItemInput) entity.CreateSale {
	return entity.CreateSale{SaleNumber: number, Customer: "ACME", Branch: "Downtown", Items: items}
}

func TestCreateSale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 5, "100")))
	require.NoError(t, err)

	assert.True(t, sale.TotalAmount().Equal(decimal.NewFromInt(450)))
	assert.Equal(t, 1, sale.GetVersion())
	assert.Empty(t, sale.PendingEvents())
	assert.Equal(t, []string{entity.EventSaleCreated}, f.pub.types())
	assert.Equal(t, []string{sale.ID}, f.pub.keys)

	pending, err := f.store.LoadUnpublished(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := f.svc.GetSaleByNumber(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, sale.ID, stored.ID)
}

func TestCreateSale_SeveralItemsPublishInOrder(t *testing.T) {
	f := newFixture(t)

	sale, err := f.svc.CreateSale(context.Background(), createCmd("S-1",
		item("Beer", 5, "100"),
		item("Wine", 10, "100"),
	))
	require.NoError(t, err)

	assert.True(t, sale.TotalAmount().Equal(decimal.NewFromInt(1250)))
	assert.Equal(t, []string{entity.EventSaleCreated, entity.EventSaleModified}, f.pub.types())
	assert.Equal(t, 2, sale.GetVersion())
}

func TestCreateSale_Rejected(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  entity.CreateSale
		want error
	}{
		{"no items", createCmd("S-1"), entity.ErrValidation},
		{"too many identical items", createCmd("S-1", item("Beer", 21, "1")), entity.ErrItemQuantityExceeded},
		{"zero quantity", createCmd("S-1", item("Beer", 0, "1")), entity.ErrInvalidQuantity},
		{"free item", createCmd("S-1", item("Beer", 1, "0")), entity.ErrValidation},
		{"missing customer", entity.CreateSale{SaleNumber: "S-1", Branch: "B", Items: []entity.SaleItemInput{item("Beer", 1, "1")}}, entity.ErrValidation},
		{
			"future date",
			entity.CreateSale{SaleNumber: "S-1", Customer: "C", Branch: "B", SaleDate: time.Now().Add(time.Hour), Items: []entity.SaleItemInput{item("Beer", 1, "1")}},
			entity.ErrSaleDateInFuture,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateSale(ctx, tt.cmd)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.pub.types())

			_, err = f.store.FindByNumber(ctx, "S-1")
			assert.ErrorIs(t, err, repository.ErrNotFound)
		})
	}
}

func TestCreateSale_DuplicateNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 1, "1")))
	require.NoError(t, err)

	_, err = f.svc.CreateSale(ctx, createCmd("S-1", item("Wine", 1, "1")))
	assert.ErrorIs(t, err, repository.ErrSaleNumberTaken)
}

func TestCancelSale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 5, "100")))
	require.NoError(t, err)
	f.pub.reset()

	cancelled, err := f.svc.CancelSale(ctx, sale.ID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, entity.SaleStatusCancelled, cancelled.Status())
	require.Equal(t, []string{entity.EventSaleCancelled}, f.pub.types())

	event, err := entity.DecodeEvent(f.pub.sent[0].Type, f.pub.sent[0].Payload)
	require.NoError(t, err)
	assert.True(t, event.(entity.SaleCancelled).CancelledAmount.Equal(decimal.NewFromInt(450)))
	assert.Equal(t, "customer request", event.(entity.SaleCancelled).Reason)

	_, err = f.svc.CancelSale(ctx, sale.ID, "again")
	assert.ErrorIs(t, err, entity.ErrAlreadyCancelled)
	assert.Len(t, f.pub.types(), 1)

	_, err = f.svc.AddItem(ctx, entity.AddSaleItem{SaleID: sale.ID, Item: item("Wine", 1, "1")})
	assert.ErrorIs(t, err, entity.ErrSaleNotMutable)

	_, err = f.svc.CancelSale(ctx, "missing", "x")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAddRemoveItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 5, "100")))
	require.NoError(t, err)
	f.pub.reset()

	sale, err = f.svc.AddItem(ctx, entity.AddSaleItem{SaleID: sale.ID, Item: item("Wine", 2, "10")})
	require.NoError(t, err)
	assert.True(t, sale.TotalAmount().Equal(decimal.NewFromInt(470)))
	assert.Equal(t, []string{entity.EventSaleModified}, f.pub.types())

	wine := sale.Items()[1]
	f.pub.reset()

	sale, err = f.svc.RemoveItem(ctx, entity.RemoveSaleItem{SaleID: sale.ID, ItemID: wine.ID()})
	require.NoError(t, err)
	assert.True(t, sale.TotalAmount().Equal(decimal.NewFromInt(450)))
	assert.Equal(t, []string{entity.EventItemCancelled, entity.EventSaleModified}, f.pub.types())

	f.pub.reset()
	sale, err = f.svc.RemoveItem(ctx, entity.RemoveSaleItem{SaleID: sale.ID, ItemID: "unknown"})
	require.NoError(t, err)
	assert.Empty(t, f.pub.types())
	assert.Equal(t, 1, sale.ItemCount())
}

func TestAddItem_InvalidLineNotSaved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 5, "100")))
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, entity.AddSaleItem{SaleID: sale.ID, Item: item("", 1, "10")})
	assert.ErrorIs(t, err, entity.ErrValidation)

	stored, err := f.svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ItemCount())
}

func TestUpdateItemQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 3, "100")))
	require.NoError(t, err)
	beer := sale.Items()[0]

	sale, err = f.svc.UpdateItemQuantity(ctx, entity.UpdateSaleItemQuantity{SaleID: sale.ID, ItemID: beer.ID(), Quantity: 10})
	require.NoError(t, err)
	assert.True(t, sale.TotalAmount().Equal(decimal.NewFromInt(800)))

	_, err = f.svc.UpdateItemQuantity(ctx, entity.UpdateSaleItemQuantity{SaleID: sale.ID, ItemID: "nope", Quantity: 2})
	assert.ErrorIs(t, err, entity.ErrItemNotFound)

	_, err = f.svc.UpdateItemQuantity(ctx, entity.UpdateSaleItemQuantity{SaleID: sale.ID, ItemID: beer.ID(), Quantity: 21})
	assert.ErrorIs(t, err, entity.ErrInvalidQuantity)
}

func TestUpdateSale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 5, "100"), item("Wine", 1, "10")))
	require.NoError(t, err)
	beer := sale.Items()[0]
	f.pub.reset()

	kept := item("Beer", 4, "100")
	kept.ID = beer.ID()
	updated, err := f.svc.UpdateSale(ctx, entity.UpdateSale{
		SaleID:     sale.ID,
		SaleNumber: "S-1A",
		Customer:   "Globex",
		Branch:     "Uptown",
		Items:      []entity.SaleItemInput{kept, item("Cider", 1, "5")},
	})
	require.NoError(t, err)

	assert.Equal(t, "S-1A", updated.SaleNumber())
	assert.Equal(t, "Globex", updated.Customer())
	assert.Equal(t, sale.SaleDate(), updated.SaleDate())
	require.Equal(t, 2, updated.ItemCount())
	assert.Equal(t, beer.ID(), updated.Items()[0].ID())
	// 4 x 100 at 10% = 360, plus 5
	assert.True(t, updated.TotalAmount().Equal(decimal.NewFromInt(365)), updated.TotalAmount().String())
	assert.Equal(t, []string{entity.EventItemCancelled, entity.EventSaleModified}, f.pub.types())

	_, err = f.svc.GetSaleByNumber(ctx, "S-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateSale_DuplicateLineIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 5, "100")))
	require.NoError(t, err)

	line := item("Beer", 2, "100")
	line.ID = sale.Items()[0].ID()
	_, err = f.svc.UpdateSale(ctx, entity.UpdateSale{
		SaleID: sale.ID, SaleNumber: "S-1", Customer: "ACME", Branch: "Downtown",
		Items: []entity.SaleItemInput{line, line},
	})
	require.ErrorIs(t, err, entity.ErrValidation)

	stored, err := f.svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ItemCount())
	assert.Equal(t, 5, stored.Items()[0].Quantity())
}

func TestUpdateSale_HeaderOnlyAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 5, "100")))
	require.NoError(t, err)
	version := sale.GetVersion()
	beer := item("Beer", 5, "100")
	beer.ID = sale.Items()[0].ID()
	f.pub.reset()

	updated, err := f.svc.UpdateSale(ctx, entity.UpdateSale{
		SaleID: sale.ID, SaleNumber: "S-1", Customer: "Globex", Branch: "Downtown",
		Items: []entity.SaleItemInput{beer},
	})
	require.NoError(t, err)
	assert.Empty(t, f.pub.types())
	assert.Equal(t, version+1, updated.GetVersion())

	// a writer still holding the pre-update copy loses
	stale := entity.RestoreSale(entity.SaleState{
		ID: sale.ID, Version: version, SaleNumber: "S-1", SaleDate: sale.SaleDate(),
		Customer: "ACME", Branch: "Uptown", Status: entity.SaleStatusActive,
	})
	assert.ErrorIs(t, f.store.Save(ctx, stale), repository.ErrConcurrentModification)
}

func TestUpdateSale_NumberTakenAndCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 1, "1")))
	require.NoError(t, err)
	_, err = f.svc.CreateSale(ctx, createCmd("S-2", item("Beer", 1, "1")))
	require.NoError(t, err)

	upd := entity.UpdateSale{SaleID: first.ID, SaleNumber: "S-2", Customer: "C", Branch: "B", Items: []entity.SaleItemInput{item("Beer", 1, "1")}}
	_, err = f.svc.UpdateSale(ctx, upd)
	assert.ErrorIs(t, err, repository.ErrSaleNumberTaken)

	_, err = f.svc.CancelSale(ctx, first.ID, "x")
	require.NoError(t, err)

	upd.SaleNumber = "S-1"
	_, err = f.svc.UpdateSale(ctx, upd)
	assert.ErrorIs(t, err, entity.ErrSaleNotMutable)
}

func TestConcurrentWritersAreSerialized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sale, err := f.svc.CreateSale(ctx, createCmd("S-1", item("Beer", 1, "1")))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddItem(ctx, entity.AddSaleItem{SaleID: sale.ID, Item: item("Wine", 1, "1")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.svc.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 11, stored.ItemCount())
	assert.True(t, stored.TotalAmount().Equal(decimal.NewFromInt(11)))
}

func TestListSales(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, n := range []string{"S-1", "S-2", "S-3"} {
		_, err := f.svc.CreateSale(ctx, createCmd(n, item("Beer", 1, "1")))
		require.NoError(t, err)
	}

	page, err := f.svc.ListSales(ctx, repository.SaleFilter{Order: "saleNumber desc", Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Sales, 2)
	assert.Equal(t, "S-3", page.Sales[0].SaleNumber())
}
