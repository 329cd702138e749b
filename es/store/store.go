// Package store defines the storage backend capability set and the engine's error kinds.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
)

// Record is the stored form of an event: the payload is already compressed
// and encrypted, and the metadata is serialized.
type Record struct {
	GlobalPosition   int64
	TenantID         string
	AggregateID      string
	AggregateType    string
	AggregateVersion int64
	EventID          uuid.UUID
	EventType        string
	SchemaVersion    int
	Payload          []byte
	ContentType      string
	Metadata         []byte
	CreatedAt        time.Time
}

// Batch is the unit of an atomic insert: records of one aggregate with
// contiguous versions ExpectedHead+1 .. ExpectedHead+len(Records).
type Batch struct {
	TenantID      string
	AggregateID   string
	AggregateType string

	// ExpectedHead is the aggregate version the batch builds on; 0 for a new aggregate.
	ExpectedHead int64

	Records []Record
}

// Head returns the aggregate version after the batch commits.
func (b Batch) Head() int64 {
	return b.ExpectedHead + int64(len(b.Records))
}

// Query selects a version range of one aggregate.
type Query struct {
	TenantID    string
	AggregateID string

	// FromVersion is inclusive. Values <= 1 read from the first event.
	FromVersion int64

	// ToVersion is inclusive. Zero leaves the range open-ended.
	ToVersion int64
}

// Backend is the capability set every physical database variant implements.
// Variants are chosen at construction time; there is no hierarchy between them.
//
// Every method runs on the es.DBTX it is given, so callers decide whether an
// operation uses a pooled connection or a transaction.
type Backend interface {
	// Name identifies the variant, e.g. "sqlite" or "postgres".
	Name() string

	// InsertEvents inserts every record of the batch and advances the aggregate
	// head from batch.ExpectedHead. It must be called inside a transaction; the
	// (tenant, aggregate, version) uniqueness constraint or the head
	// compare-and-set rejects a batch racing another on the same head.
	// Returns the assigned global positions.
	InsertEvents(ctx context.Context, tx es.DBTX, batch Batch) ([]int64, error)

	// SelectEvents returns the records of the query range ordered by ascending version.
	SelectEvents(ctx context.Context, q es.DBTX, query Query) ([]Record, error)

	// SelectMaxVersion returns the current head of an aggregate, or 0 if it has no events.
	SelectMaxVersion(ctx context.Context, q es.DBTX, tenantID, aggregateID string) (int64, error)

	// BootstrapSchema creates the ledger tables and indexes. It is idempotent.
	BootstrapSchema(ctx context.Context, q es.DBTX) error

	// Watermark returns a monotonically increasing replication progress marker.
	Watermark(ctx context.Context, q es.DBTX) (int64, error)

	// Classify maps a driver error onto a Fault.
	Classify(err error) Fault
}
