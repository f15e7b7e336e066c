package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/messaging"
	"github.com/egannguyen/sales-service/internal/metrics"
	"github.com/egannguyen/sales-service/internal/repository"
)

// SaleCommands is the part of the sale service driven by commands.
type SaleCommands interface {
	CreateSale(ctx context.Context, cmd entity.CreateSale) (*entity.Sale, error)
	UpdateSale(ctx context.Context, cmd entity.UpdateSale) (*entity.Sale, error)
	CancelSale(ctx context.Context, saleID, reason string) (*entity.Sale, error)
	AddItem(ctx context.Context, cmd entity.AddSaleItem) (*entity.Sale, error)
	RemoveItem(ctx context.Context, cmd entity.RemoveSaleItem) (*entity.Sale, error)
	UpdateItemQuantity(ctx context.Context, cmd entity.UpdateSaleItemQuantity) (*entity.Sale, error)
	GetSaleByNumber(ctx context.Context, saleNumber string) (*entity.Sale, error)
}

// CommandHandler turns command envelopes from the commands topic into sale
// service calls.
type CommandHandler struct {
	sales   SaleCommands
	metrics *metrics.Metrics
}

func NewCommandHandler(sales SaleCommands, m *metrics.Metrics) *CommandHandler {
	return &CommandHandler{sales: sales, metrics: m}
}

// Handle processes one message. Redelivered commands that were already
// applied are skipped without error.
func (h *CommandHandler) Handle(ctx context.Context, payload []byte) error {
	env, err := messaging.DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	err = h.dispatch(ctx, env)
	h.metrics.CommandHandled(env.Type, err)

	switch {
	case err == nil:
		return nil
	case env.Type == entity.CommandCreateSale && errors.Is(err, repository.ErrSaleNumberTaken) && h.alreadyCreated(ctx, env):
		slog.Info("Sale already exists, skipping (idempotent)", "command", env.Type)
		return nil
	case env.Type == entity.CommandCancelSale && errors.Is(err, entity.ErrAlreadyCancelled):
		slog.Info("Sale already cancelled, skipping (idempotent)", "command", env.Type)
		return nil
	}
	return fmt.Errorf("failed to handle %s command: %w", env.Type, err)
}

func (h *CommandHandler) dispatch(ctx context.Context, env messaging.Envelope) error {
	var err error
	switch env.Type {
	case entity.CommandCreateSale:
		var cmd entity.CreateSale
		if err = decode(env, &cmd); err == nil {
			_, err = h.sales.CreateSale(ctx, cmd)
		}
	case entity.CommandUpdateSale:
		var cmd entity.UpdateSale
		if err = decode(env, &cmd); err == nil {
			_, err = h.sales.UpdateSale(ctx, cmd)
		}
	case entity.CommandCancelSale:
		var cmd entity.CancelSale
		if err = decode(env, &cmd); err == nil {
			_, err = h.sales.CancelSale(ctx, cmd.SaleID, cmd.Reason)
		}
	case entity.CommandAddSaleItem:
		var cmd entity.AddSaleItem
		if err = decode(env, &cmd); err == nil {
			_, err = h.sales.AddItem(ctx, cmd)
		}
	case entity.CommandRemoveSaleItem:
		var cmd entity.RemoveSaleItem
		if err = decode(env, &cmd); err == nil {
			_, err = h.sales.RemoveItem(ctx, cmd)
		}
	case entity.CommandUpdateSaleItemQuantity:
		var cmd entity.UpdateSaleItemQuantity
		if err = decode(env, &cmd); err == nil {
			_, err = h.sales.UpdateItemQuantity(ctx, cmd)
		}
	default:
		err = fmt.Errorf("unknown command type: %s", env.Type)
	}
	return err
}

// alreadyCreated reports whether the sale holding the command's number is
// the one the command describes, i.e. the command is a redelivery.
func (h *CommandHandler) alreadyCreated(ctx context.Context, env messaging.Envelope) bool {
	var cmd entity.CreateSale
	if decode(env, &cmd) != nil {
		return false
	}
	existing, err := h.sales.GetSaleByNumber(ctx, cmd.SaleNumber)
	if err != nil {
		return false
	}
	return existing.Customer() == cmd.Customer && existing.Branch() == cmd.Branch
}

func decode(env messaging.Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s command: %w", env.Type, err)
	}
	return nil
}
