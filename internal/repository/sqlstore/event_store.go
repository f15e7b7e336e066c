package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/egannguyen/sales-service/internal/entity"
	"github.com/egannguyen/sales-service/internal/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const streamTypeSale = "Sale"

const eventColumns = "id, stream_id, stream_type, version, event_type, payload, created_at, published_at"

type eventStore struct {
	db *sqlx.DB
}

// NewEventStore creates a new EventStore over the sale_events outbox.
func NewEventStore(db *sqlx.DB) repository.EventStore {
	return &eventStore{db: db}
}

// appendEvents writes events to the outbox inside the caller's transaction.
// Versions continue from fromVersion.
func appendEvents(ctx context.Context, tx *sqlx.Tx, streamID string, fromVersion int, events []entity.Event) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(
		"INSERT INTO sale_events (id, stream_id, stream_type, version, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	version := fromVersion
	now := time.Now().UTC()

	for _, event := range events {
		version++

		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.EventType(), err)
		}

		_, err = stmt.ExecContext(ctx, uuid.NewString(), streamID, streamTypeSale, version, event.EventType(), string(payload), now)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert event %s: %w", event.EventType(), err)
		}
	}
	return nil
}

func (s *eventStore) LoadEvents(ctx context.Context, streamID string) ([]entity.EventStoreRecord, error) {
	var records []entity.EventStoreRecord
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(
		"SELECT "+eventColumns+" FROM sale_events WHERE stream_id = ? ORDER BY version ASC"), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for stream %s: %w", streamID, err)
	}
	return records, nil
}

func (s *eventStore) LoadUnpublished(ctx context.Context, before time.Time, limit int) ([]entity.EventStoreRecord, error) {
	var records []entity.EventStoreRecord
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(
		"SELECT "+eventColumns+" FROM sale_events WHERE published_at IS NULL AND created_at <= ? ORDER BY created_at ASC, stream_id ASC, version ASC LIMIT ?"),
		before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load unpublished events: %w", err)
	}
	return records, nil
}

func (s *eventStore) MarkPublished(ctx context.Context, streamID string, uptoVersion int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE sale_events SET published_at = ? WHERE stream_id = ? AND version <= ? AND published_at IS NULL"),
		time.Now().UTC(), streamID, uptoVersion)
	if err != nil {
		return fmt.Errorf("failed to mark events published for stream %s: %w", streamID, err)
	}
	return nil
}
