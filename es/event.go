// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an immutable domain event.
// Events are value objects without a version until appended.
type Event struct {
	// EventID is a globally unique identifier for this event
	EventID uuid.UUID

	// AggregateID uniquely identifies the aggregate instance
	AggregateID string

	// AggregateType identifies the type of aggregate this event belongs to
	AggregateType string

	// EventType identifies the type of event
	EventType string

	// SchemaVersion is the schema version of this event type
	SchemaVersion int

	// Payload contains the serialized event data.
	// Stored as bytes so any serialization format can be used.
	Payload []byte

	// ContentType tags the codec used to produce Payload
	ContentType string

	// Metadata carries causation, correlation and actor information
	Metadata Metadata

	// AggregateVersion is the version of the aggregate after this event is applied.
	// It is assigned by the engine at append time and is contiguous per aggregate.
	AggregateVersion int64
}

// Metadata describes where an event came from.
type Metadata struct {
	// CausationID identifies the event/command that caused this event (optional)
	CausationID uuid.NullUUID `json:"causation_id"`

	// CorrelationID links related events across aggregates (optional)
	CorrelationID uuid.NullUUID `json:"correlation_id"`

	// TraceID for distributed tracing (optional)
	TraceID uuid.NullUUID `json:"trace_id"`

	// ActorID identifies who or what produced the event (optional)
	ActorID string `json:"actor_id,omitempty"`

	// Timestamp is when the event was created
	Timestamp time.Time `json:"timestamp"`

	// Extra holds free-form key/value annotations
	Extra map[string]string `json:"extra,omitempty"`
}

// PersistedEvent represents an event that has been stored.
type PersistedEvent struct {
	Event

	// GlobalPosition is assigned by the store upon persistence
	GlobalPosition int64

	// DecodeErr is set when this single event's stored payload could not be decoded.
	// Payload is nil in that case; the rest of the stream is unaffected.
	DecodeErr error
}

// Stream is the ordered sequence of events of one aggregate.
type Stream struct {
	AggregateID string
	Events      []PersistedEvent
}

// Version returns the version of the last event in the stream, or 0 if empty.
func (s Stream) Version() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].AggregateVersion
}

// IsEmpty reports whether the stream has no events.
func (s Stream) IsEmpty() bool {
	return len(s.Events) == 0
}

// Len returns the number of events in the stream.
func (s Stream) Len() int {
	return len(s.Events)
}

// Contiguous reports whether versions are strictly ascending by exactly one.
func (s Stream) Contiguous() bool {
	for i := 1; i < len(s.Events); i++ {
		if s.Events[i].AggregateVersion != s.Events[i-1].AggregateVersion+1 {
			return false
		}
	}
	return true
}

// Snapshot is a materialized state checkpoint of an aggregate at Version.
type Snapshot struct {
	AggregateID string
	Version     int64
	State       []byte
}

// AppendResult contains the result of a successful append.
type AppendResult struct {
	// Events are the persisted events, with versions and positions assigned
	Events []PersistedEvent

	// GlobalPositions are the positions assigned to each appended event
	GlobalPositions []int64
}

// FromVersion returns the aggregate version before the append.
func (r AppendResult) FromVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[0].AggregateVersion - 1
}

// ToVersion returns the new committed aggregate version.
func (r AppendResult) ToVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].AggregateVersion
}
