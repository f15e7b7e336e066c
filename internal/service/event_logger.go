package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/messaging"
)

// EventLogger is an observer on the events topic that writes one structured
// log line per sale event.
type EventLogger struct {
	logger *slog.Logger
}

func NewEventLogger(logger *slog.Logger) *EventLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLogger{logger: logger}
}

// Handle decodes one message from the events topic and logs it.
func (l *EventLogger) Handle(ctx context.Context, payload []byte) error {
	env, err := messaging.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	event, err := entity.DecodeEvent(env.Type, env.Payload)
	if err != nil {
		return err
	}

	switch e := event.(type) {
	case entity.SaleCreated:
		l.logger.InfoContext(ctx, "Sale created",
			"sale_id", e.SaleID,
			"sale_number", e.SaleNumber,
			"customer", e.Customer,
			"branch", e.Branch,
			"total_amount", e.TotalAmount.StringFixed(2),
			"item_count", e.ItemCount,
		)
	case entity.SaleModified:
		l.logger.InfoContext(ctx, "Sale modified",
			"sale_id", e.SaleID,
			"sale_number", e.SaleNumber,
			"previous_amount", e.PreviousAmount.StringFixed(2),
			"total_amount", e.TotalAmount.StringFixed(2),
			"modification_type", e.ModificationType,
		)
	case entity.SaleCancelled:
		l.logger.InfoContext(ctx, "Sale cancelled",
			"sale_id", e.SaleID,
			"sale_number", e.SaleNumber,
			"reason", e.Reason,
			"cancelled_amount", e.CancelledAmount.StringFixed(2),
		)
	case entity.ItemCancelled:
		l.logger.InfoContext(ctx, "Sale item cancelled",
			"sale_id", e.SaleID,
			"item_id", e.ItemID,
			"product", e.Product,
			"quantity", e.Quantity,
			"total_amount", e.TotalAmount.StringFixed(2),
		)
	default:
		return fmt.Errorf("unhandled sale event %T", event)
	}
	return nil
}
