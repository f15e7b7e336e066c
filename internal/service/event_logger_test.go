package service

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/messaging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLogger_Handle(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	env, err := messaging.NewEnvelope(entity.EventSaleCancelled, entity.SaleCancelled{
		SaleID:          "s-1",
		SaleNumber:      "S-1",
		Reason:          "duplicate",
		CancelledAmount: decimal.NewFromInt(450),
	})
	require.NoError(t, err)
	payload, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, l.Handle(context.Background(), payload))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Sale cancelled", line["msg"])
	assert.Equal(t, "s-1", line["sale_id"])
	assert.Equal(t, "duplicate", line["reason"])
	assert.Equal(t, "450.00", line["cancelled_amount"])
}

func TestEventLogger_AllEventTypes(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	sale := entity.NewSale("S-1", "ACME", "Downtown")
	require.NoError(t, sale.AddItem(entity.NewSaleItem("Beer", 5, decimal.NewFromInt(100))))
	require.NoError(t, sale.AddItem(entity.NewSaleItem("Wine", 1, decimal.NewFromInt(10))))
	require.NoError(t, sale.RemoveItem(sale.Items()[1].ID()))
	require.NoError(t, sale.Cancel("test"))

	for _, event := range sale.PullEvents() {
		env, err := messaging.NewEnvelope(event.EventType(), event)
		require.NoError(t, err)
		payload, err := json.Marshal(env)
		require.NoError(t, err)
		assert.NoError(t, l.Handle(context.Background(), payload), event.EventType())
	}

	out := buf.String()
	for _, msg := range []string{"Sale created", "Sale modified", "Sale item cancelled", "Sale cancelled"} {
		assert.Contains(t, out, msg)
	}
}

func TestEventLogger_RejectsGarbage(t *testing.T) {
	l := NewEventLogger(nil)

	assert.Error(t, l.Handle(context.Background(), []byte(`not json`)))
	assert.ErrorContains(t, l.Handle(context.Background(), []byte(`{"type":"OrderPlaced","payload":{}}`)), "unknown event type")
}
