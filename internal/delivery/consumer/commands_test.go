package consumer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/lock"
	"github.com/egannguyen/sales-service/internal/messaging"
	"github.com/egannguyen/sales-service/internal/metrics"
	"github.com/egannguyen/sales-service/internal/repository"
	"github.com/egannguyen/sales-service/internal/repository/memory"
	"github.com/egannguyen/sales-service/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) PublishEvent(context.Context, string, string, any) error { return nil }

func newHandler(t *testing.T) (*CommandHandler, *memory.Store) {
	t.Helper()
	store := memory.New()
	m := metrics.New()
	dispatcher := service.NewEventDispatcher(nopPublisher{}, store, m, service.DispatcherConfig{Topic: "sales.events"})
	svc := service.NewSaleService(store, dispatcher, lock.NewLocal(), m)
	return NewCommandHandler(svc, m), store
}

func envelope(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	env, err := messaging.NewEnvelope(typ, payload)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}

func TestCommandHandler_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler(t)

	create := []byte(`{
		"type": "CreateSale",
		"payload": {
			"sale_number": "S-1",
			"customer": "ACME",
			"branch": "Downtown",
			"items": [{"product": "Beer", "quantity": 5, "unit_price": "100"}]
		}
	}`)
	require.NoError(t, h.Handle(ctx, create))

	sale, err := store.FindByNumber(ctx, "S-1")
	require.NoError(t, err)
	assert.True(t, sale.TotalAmount().Equal(decimal.NewFromInt(450)))

	// redelivery is a no-op
	require.NoError(t, h.Handle(ctx, create))

	require.NoError(t, h.Handle(ctx, envelope(t, entity.CommandAddSaleItem, entity.AddSaleItem{
		SaleID: sale.ID,
		Item:   entity.SaleItemInput{Product: "Wine", Quantity: 2, UnitPrice: decimal.NewFromInt(10)},
	})))

	sale, err = store.FindByID(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, 2, sale.ItemCount())
	wine := sale.Items()[1]

	require.NoError(t, h.Handle(ctx, envelope(t, entity.CommandUpdateSaleItemQuantity, entity.UpdateSaleItemQuantity{
		SaleID: sale.ID, ItemID: wine.ID(), Quantity: 4,
	})))
	require.NoError(t, h.Handle(ctx, envelope(t, entity.CommandRemoveSaleItem, entity.RemoveSaleItem{
		SaleID: sale.ID, ItemID: wine.ID(),
	})))
	require.NoError(t, h.Handle(ctx, envelope(t, entity.CommandUpdateSale, entity.UpdateSale{
		SaleID: sale.ID, SaleNumber: "S-1", Customer: "Globex", Branch: "Uptown",
		Items: []entity.SaleItemInput{{Product: "Beer", Quantity: 1, UnitPrice: decimal.NewFromInt(3)}},
	})))

	cancel := envelope(t, entity.CommandCancelSale, entity.CancelSale{SaleID: sale.ID, Reason: "test"})
	require.NoError(t, h.Handle(ctx, cancel))
	require.NoError(t, h.Handle(ctx, cancel))

	sale, err = store.FindByID(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, "Globex", sale.Customer())
	assert.Equal(t, entity.SaleStatusCancelled, sale.Status())
	assert.True(t, sale.TotalAmount().Equal(decimal.NewFromInt(3)))
}

func TestCommandHandler_CreateSaleNumberCollision(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler(t)

	beer := []entity.SaleItemInput{{Product: "Beer", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}}
	require.NoError(t, h.Handle(ctx, envelope(t, entity.CommandCreateSale, entity.CreateSale{
		SaleNumber: "S-1", Customer: "ACME", Branch: "Downtown", Items: beer,
	})))

	err := h.Handle(ctx, envelope(t, entity.CommandCreateSale, entity.CreateSale{
		SaleNumber: "S-1", Customer: "Globex", Branch: "Uptown", Items: beer,
	}))
	assert.ErrorIs(t, err, repository.ErrSaleNumberTaken)

	sale, err := store.FindByNumber(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, "ACME", sale.Customer())
}

func TestCommandHandler_Errors(t *testing.T) {
	ctx := context.Background()
	h, _ := newHandler(t)

	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"not json", []byte(`{`), "failed to unmarshal envelope"},
		{"unknown type", []byte(`{"type":"PlaceOrder","payload":{}}`), "unknown command type"},
		{"bad payload", []byte(`{"type":"CancelSale","payload":[1]}`), "failed to unmarshal CancelSale command"},
		{"missing sale", envelope(t, entity.CommandCancelSale, entity.CancelSale{SaleID: "nope"}), "sale not found"},
		{"domain rule", envelope(t, entity.CommandCreateSale, entity.CreateSale{
			SaleNumber: "S-9", Customer: "C", Branch: "B",
			Items: []entity.SaleItemInput{{Product: "Beer", Quantity: 21, UnitPrice: decimal.NewFromInt(1)}},
		}), "cannot sell more than 20 identical items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, h.Handle(ctx, tt.payload), tt.want)
		})
	}
}
