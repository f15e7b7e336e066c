package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/messaging"
	"github.com/egannguyen/sales-service/internal/metrics"
	"github.com/egannguyen/sales-service/internal/repository"
)

// DispatcherConfig controls where events go and how the relay picks up
// leftovers.
type DispatcherConfig struct {
	Topic string
	// Grace is how old an unpublished outbox entry must be before the relay
	// takes it over from Dispatch.
	Grace time.Duration
	Batch int
}

// EventDispatcher publishes committed sale events in the order they were
// recorded. Entries it fails to publish stay in the outbox and are retried by
// the relay, so delivery is at least once.
type EventDispatcher struct {
	publisher messaging.Publisher
	outbox    repository.EventStore
	metrics   *metrics.Metrics
	cfg       DispatcherConfig
}

func NewEventDispatcher(publisher messaging.Publisher, outbox repository.EventStore, m *metrics.Metrics, cfg DispatcherConfig) *EventDispatcher {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &EventDispatcher{
		publisher: publisher,
		outbox:    outbox,
		metrics:   m,
		cfg:       cfg,
	}
}

// Dispatch drains a saved sale and publishes its events. It must run after
// the sale was saved: the drained events are the last ones of the stream.
// Publishing stops at the first failure so that the relay can resume in
// order.
func (d *EventDispatcher) Dispatch(ctx context.Context, sale *entity.Sale) {
	events := sale.PullEvents()
	if len(events) == 0 {
		return
	}

	first := sale.GetVersion() - len(events) + 1
	published := first - 1
	for i, event := range events {
		err := d.publish(ctx, sale.ID, event.EventType(), event)
		d.metrics.EventPublished(event.EventType(), err)
		if err != nil {
			slog.Error("Failed to publish event, leaving it to the outbox relay",
				"sale_id", sale.ID, "event_type", event.EventType(), "err", err)
			break
		}
		published = first + i
	}

	if published < first {
		return
	}
	if err := d.outbox.MarkPublished(ctx, sale.ID, published); err != nil {
		slog.Error("Failed to mark events published", "sale_id", sale.ID, "version", published, "err", err)
	}
}

func (d *EventDispatcher) publish(ctx context.Context, saleID, eventType string, payload any) error {
	env, err := messaging.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return d.publisher.PublishEvent(ctx, d.cfg.Topic, saleID, env)
}

// RelayPending republishes outbox entries older than the grace period that
// were never marked published. It returns how many were published.
func (d *EventDispatcher) RelayPending(ctx context.Context) (int, error) {
	records, err := d.outbox.LoadUnpublished(ctx, time.Now().UTC().Add(-d.cfg.Grace), d.cfg.Batch)
	if err != nil {
		return 0, err
	}

	var (
		relayed int
		failed  = map[string]bool{}
		upto    = map[string]int{}
	)
	for _, rec := range records {
		if failed[rec.StreamID] {
			continue
		}
		err := d.publish(ctx, rec.StreamID, rec.EventType, json.RawMessage(rec.Payload))
		d.metrics.EventPublished(rec.EventType, err)
		if err != nil {
			slog.Error("Relay failed to publish event", "sale_id", rec.StreamID, "version", rec.Version, "err", err)
			failed[rec.StreamID] = true
			continue
		}
		upto[rec.StreamID] = rec.Version
		relayed++
	}

	for streamID, version := range upto {
		if err := d.outbox.MarkPublished(ctx, streamID, version); err != nil {
			return relayed, err
		}
	}

	d.metrics.OutboxRelayed(relayed)
	return relayed, nil
}

// RunRelay calls RelayPending every interval until ctx is cancelled.
func (d *EventDispatcher) RunRelay(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Outbox relay started", "interval", interval, "grace", d.cfg.Grace)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox relay shutting down")
			return nil
		case <-ticker.C:
			n, err := d.RelayPending(ctx)
			if err != nil {
				slog.Error("Outbox relay failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("Outbox relay republished events", "count", n)
			}
		}
	}
}
