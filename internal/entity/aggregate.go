package entity

import "time"

// EventStoreRecord represents an event stored in the outbox table.
type EventStoreRecord struct {
	ID          string     `json:"id" db:"id"`
	StreamID    string     `json:"stream_id" db:"stream_id"`
	StreamType  string     `json:"stream_type" db:"stream_type"`
	Version     int        `json:"version" db:"version"`
	EventType   string     `json:"event_type" db:"event_type"`
	Payload     []byte     `json:"payload" db:"payload"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty" db:"published_at"`
}

// Event represents a domain event.
type Event interface {
	EventType() string
	AggregateID() string
}

// Aggregate represents a domain aggregate root.
type Aggregate interface {
	GetAggregateID() string
	GetVersion() int
	PendingEvents() []Event
	PullEvents() []Event
}

// AggregateBase keeps the identity, the committed stream version and the
// queue of events recorded since the last save.
type AggregateBase struct {
	ID      string
	Version int

	events []Event
}

func (a *AggregateBase) GetAggregateID() string {
	return a.ID
}

func (a *AggregateBase) GetVersion() int {
	return a.Version
}

// record appends an event to the pending queue.
func (a *AggregateBase) record(e Event) {
	a.events = append(a.events, e)
}

// PendingEvents returns a copy of the queued events without clearing them.
func (a *AggregateBase) PendingEvents() []Event {
	out := make([]Event, len(a.events))
	copy(out, a.events)
	return out
}

// PullEvents returns the queued events and clears the queue. Once pulled,
// the same events are never returned again.
func (a *AggregateBase) PullEvents() []Event {
	out := a.events
	a.events = nil
	if out == nil {
		return []Event{}
	}
	return out
}

// MarkCommitted advances the stream version after a successful save.
func (a *AggregateBase) MarkCommitted(version int) {
	a.Version = version
}
