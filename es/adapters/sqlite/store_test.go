package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es/adapters/sqlite"
	"github.com/getpup/pupstore/es/store"
)

func openTestDB(t *testing.T) (*sql.DB, *sqlite.Store) {
	t.Helper()
	db, err := sqlite.Open(sqlite.DSN(filepath.Join(t.TempDir(), "events.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := sqlite.NewStore(sqlite.DefaultStoreConfig())
	require.NoError(t, s.BootstrapSchema(context.Background(), db))
	return db, s
}

func batchOf(tenant, aggregateID string, head int64, n int) store.Batch {
	b := store.Batch{TenantID: tenant, AggregateID: aggregateID, AggregateType: "Order", ExpectedHead: head}
	for i := 0; i < n; i++ {
		v := head + int64(i) + 1
		b.Records = append(b.Records, store.Record{
			TenantID:         tenant,
			AggregateID:      aggregateID,
			AggregateType:    "Order",
			AggregateVersion: v,
			EventID:          uuid.New(),
			EventType:        "ItemAdded",
			SchemaVersion:    1,
			Payload:          []byte(fmt.Sprintf(`{"v":%d}`, v)),
			ContentType:      "application/json",
			Metadata:         []byte(`{"actor_id":"u1"}`),
			CreatedAt:        time.Date(2024, 5, 1, 12, 0, int(v), 0, time.UTC),
		})
	}
	return b
}

func insert(ctx context.Context, db *sql.DB, s *sqlite.Store, b store.Batch) ([]int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	positions, err := s.InsertEvents(ctx, tx, b)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return positions, tx.Commit()
}

func TestBootstrapIsIdempotent(t *testing.T) {
	db, s := openTestDB(t)
	require.NoError(t, s.BootstrapSchema(context.Background(), db))
	require.NoError(t, s.BootstrapSchema(context.Background(), db))
}

func TestInsertAndSelect(t *testing.T) {
	db, s := openTestDB(t)
	ctx := context.Background()

	positions, err := insert(ctx, db, s, batchOf("t1", "order-1", 0, 3))
	require.NoError(t, err)
	require.Len(t, positions, 3)
	assert.Less(t, positions[0], positions[1])

	_, err = insert(ctx, db, s, batchOf("t1", "order-1", 3, 2))
	require.NoError(t, err)

	records, err := s.SelectEvents(ctx, db, store.Query{TenantID: "t1", AggregateID: "order-1"})
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, int64(i+1), r.AggregateVersion)
		assert.Equal(t, "application/json", r.ContentType)
		assert.JSONEq(t, `{"actor_id":"u1"}`, string(r.Metadata))
	}
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC), records[0].CreatedAt)

	ranged, err := s.SelectEvents(ctx, db, store.Query{TenantID: "t1", AggregateID: "order-1", FromVersion: 2, ToVersion: 4})
	require.NoError(t, err)
	require.Len(t, ranged, 3)
	assert.Equal(t, int64(2), ranged[0].AggregateVersion)
	assert.Equal(t, int64(4), ranged[2].AggregateVersion)

	head, err := s.SelectMaxVersion(ctx, db, "t1", "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), head)

	mark, err := s.Watermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, records[4].GlobalPosition, mark)
}

func TestInsertConflicts(t *testing.T) {
	tests := []struct {
		name string
		head int64
	}{
		{name: "new stream over existing", head: 0},
		{name: "stale head", head: 1},
		{name: "head from the future", head: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, s := openTestDB(t)
			ctx := context.Background()

			_, err := insert(ctx, db, s, batchOf("t1", "order-1", 0, 3))
			require.NoError(t, err)

			_, err = insert(ctx, db, s, batchOf("t1", "order-1", tt.head, 1))
			assert.ErrorIs(t, err, store.ErrConcurrencyConflict)
			assert.Equal(t, store.FaultConflict, s.Classify(err))

			records, err := s.SelectEvents(ctx, db, store.Query{TenantID: "t1", AggregateID: "order-1"})
			require.NoError(t, err)
			assert.Len(t, records, 3, "a rejected batch leaves no trace")
		})
	}
}

func TestDuplicateEventIDIsSchemaViolation(t *testing.T) {
	db, s := openTestDB(t)
	ctx := context.Background()

	first := batchOf("t1", "order-1", 0, 1)
	_, err := insert(ctx, db, s, first)
	require.NoError(t, err)

	second := batchOf("t1", "order-2", 0, 1)
	second.Records[0].EventID = first.Records[0].EventID
	_, err = insert(ctx, db, s, second)
	require.Error(t, err)
	assert.Equal(t, store.FaultSchema, s.Classify(err))
}

func TestTenantsAreIsolated(t *testing.T) {
	db, s := openTestDB(t)
	ctx := context.Background()

	_, err := insert(ctx, db, s, batchOf("t1", "order-1", 0, 2))
	require.NoError(t, err)
	_, err = insert(ctx, db, s, batchOf("t2", "order-1", 0, 1))
	require.NoError(t, err, "same aggregate id in another tenant is a separate stream")

	r1, err := s.SelectEvents(ctx, db, store.Query{TenantID: "t1", AggregateID: "order-1"})
	require.NoError(t, err)
	r2, err := s.SelectEvents(ctx, db, store.Query{TenantID: "t2", AggregateID: "order-1"})
	require.NoError(t, err)
	assert.Len(t, r1, 2)
	assert.Len(t, r2, 1)

	head, err := s.SelectMaxVersion(ctx, db, "t3", "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestInsertRejectsMalformedBatch(t *testing.T) {
	db, s := openTestDB(t)
	ctx := context.Background()

	_, err := insert(ctx, db, s, store.Batch{TenantID: "t1", AggregateID: "order-1"})
	assert.ErrorIs(t, err, store.ErrNoEvents)

	b := batchOf("t1", "order-1", 0, 2)
	b.Records[1].AggregateVersion = 5
	_, err = insert(ctx, db, s, b)
	assert.Error(t, err)
}

func TestMemoryDSN(t *testing.T) {
	db, err := sqlite.Open(sqlite.MemoryDSN(t.Name()))
	require.NoError(t, err)
	defer db.Close()

	s := sqlite.NewStore(sqlite.NewStoreConfig(sqlite.WithEventsTable("ledger"), sqlite.WithAggregateHeadsTable("heads")))
	ctx := context.Background()
	require.NoError(t, s.BootstrapSchema(ctx, db))

	_, err = insert(ctx, db, s, batchOf("", "a-1", 0, 1))
	require.NoError(t, err)

	mark, err := s.Watermark(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), mark)
}

func TestDSN(t *testing.T) {
	dsn := sqlite.DSN("/tmp/x.db")
	assert.Contains(t, dsn, "file:/tmp/x.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "journal_mode%28WAL%29")
}
