package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es/store"
)

func TestClassify(t *testing.T) {
	s := NewStore(DefaultStoreConfig())

	tests := []struct {
		name string
		err  error
		want store.Fault
	}{
		{"pq version collision", &pq.Error{Code: "23505", Constraint: "events_tenant_id_aggregate_id_aggregate_version_key"}, store.FaultConflict},
		{"pq heads collision", &pq.Error{Code: "23505", Constraint: "aggregate_heads_pkey"}, store.FaultConflict},
		{"pq duplicate event id", &pq.Error{Code: "23505", Constraint: "events_event_id_key"}, store.FaultSchema},
		{"pq not null", &pq.Error{Code: "23502"}, store.FaultSchema},
		{"pq serialization", &pq.Error{Code: "40001"}, store.FaultTransient},
		{"pq deadlock", &pq.Error{Code: "40P01"}, store.FaultTransient},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, store.FaultBrokenConn},
		{"pq undefined table", &pq.Error{Code: "42P01"}, store.FaultFatal},
		{"pgx version collision", &pgconn.PgError{Code: "23505", ConstraintName: "events_tenant_id_aggregate_id_aggregate_version_created_at_key"}, store.FaultConflict},
		{"pgx duplicate event id", &pgconn.PgError{Code: "23505", ConstraintName: "events_event_id_created_at_key"}, store.FaultSchema},
		{"pgx connection failure", &pgconn.PgError{Code: "08006"}, store.FaultBrokenConn},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "55P03"}), store.FaultTransient},
		{"sentinel", store.ErrConcurrencyConflict, store.FaultConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Classify(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(nil))
}

type recordingDB struct {
	stmts []string
}

func (r *recordingDB) ExecContext(_ context.Context, query string, _ ...interface{}) (sql.Result, error) {
	r.stmts = append(r.stmts, query)
	return nil, nil
}
func (r *recordingDB) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (r *recordingDB) QueryRowContext(context.Context, string, ...interface{}) *sql.Row { return nil }

func TestEnsurePartitions(t *testing.T) {
	s := NewStore(NewStoreConfig(WithPartitioning(true)))
	db := &recordingDB{}

	require.NoError(t, s.EnsurePartitions(context.Background(), db, time.Date(2024, 11, 17, 8, 0, 0, 0, time.UTC), 3))
	require.Len(t, db.stmts, 3)
	assert.Contains(t, db.stmts[0], "events_p202411 PARTITION OF events FOR VALUES FROM ('2024-11-01T00:00:00Z') TO ('2024-12-01T00:00:00Z')")
	assert.Contains(t, db.stmts[1], "events_p202412")
	assert.Contains(t, db.stmts[2], "events_p202501")
}

func TestEnsurePartitionsUnpartitioned(t *testing.T) {
	s := NewStore(DefaultStoreConfig())
	db := &recordingDB{}
	require.NoError(t, s.EnsurePartitions(context.Background(), db, time.Now(), 3))
	assert.Empty(t, db.stmts)
}

func TestBootstrapSchemaStatements(t *testing.T) {
	s := NewStore(NewStoreConfig(WithPartitioning(true), WithEventsTable("ledger")))
	db := &recordingDB{}
	require.NoError(t, s.BootstrapSchema(context.Background(), db))

	joined := strings.Join(db.stmts, "\n")
	assert.Contains(t, joined, "PARTITION BY RANGE (created_at)")
	assert.Contains(t, joined, "ledger_default PARTITION OF ledger DEFAULT")
	assert.Contains(t, joined, s.PartitionName(time.Now()))
}
