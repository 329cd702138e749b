// Package postgres provides the scalable PostgreSQL storage backend.
//
// The backend runs on any database/sql PostgreSQL driver; errors from both
// lib/pq and pgx are classified. With partitioning enabled the events table is
// range-partitioned by created_at into monthly partitions plus a DEFAULT
// partition, and EnsurePartitions creates partitions ahead of time.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
)

// StoreConfig contains configuration for the PostgreSQL event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// AggregateHeadsTable is the name of the aggregate version tracking table
	AggregateHeadsTable string

	// Partitioned selects the time-range partitioned layout.
	Partitioned bool
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	tables := migrations.DefaultTables()
	return StoreConfig{
		EventsTable:         tables.Events,
		AggregateHeadsTable: tables.AggregateHeads,
		Logger:              nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithAggregateHeadsTable sets a custom aggregate heads table name.
func WithAggregateHeadsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.AggregateHeadsTable = tableName
	}
}

// WithPartitioning enables or disables the time-range partitioned layout.
func WithPartitioning(enabled bool) StoreOption {
	return func(c *StoreConfig) {
		c.Partitioned = enabled
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := postgres.NewStoreConfig(
//	    postgres.WithLogger(myLogger),
//	    postgres.WithPartitioning(true),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a PostgreSQL-backed implementation of store.Backend.
type Store struct {
	config StoreConfig
}

var _ store.Backend = (*Store)(nil)

// NewStore creates a new PostgreSQL event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Name implements store.Backend.
func (s *Store) Name() string { return "postgres" }

// BootstrapSchema implements store.Backend. In the partitioned layout it
// also creates partitions for the current and next month.
func (s *Store) BootstrapSchema(ctx context.Context, q es.DBTX) error {
	tables := migrations.Tables{Events: s.config.EventsTable, AggregateHeads: s.config.AggregateHeadsTable}
	for _, stmt := range migrations.Postgres(tables, s.config.Partitioned) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	if s.config.Partitioned {
		if err := s.EnsurePartitions(ctx, q, time.Now(), 2); err != nil {
			return err
		}
	}
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "schema bootstrapped",
			"backend", s.Name(), "events_table", s.config.EventsTable, "partitioned", s.config.Partitioned)
	}
	return nil
}

// PartitionName returns the name of the monthly partition holding t.
func (s *Store) PartitionName(t time.Time) string {
	return fmt.Sprintf("%s_p%s", s.config.EventsTable, t.UTC().Format("200601"))
}

// EnsurePartitions creates monthly partitions covering months months starting
// with the month of from. Existing partitions are left untouched. Partitions
// must be created before rows for their range land in the DEFAULT partition.
func (s *Store) EnsurePartitions(ctx context.Context, q es.DBTX, from time.Time, months int) error {
	if !s.config.Partitioned {
		return nil
	}
	from = from.UTC()
	start := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < months; i++ {
		lo := start.AddDate(0, i, 0)
		hi := lo.AddDate(0, 1, 0)
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			s.PartitionName(lo), s.config.EventsTable, lo.Format(time.RFC3339), hi.Format(time.RFC3339))
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create partition %s: %w", s.PartitionName(lo), err)
		}
	}
	return nil
}

// InsertEvents implements store.Backend.
// The aggregate head is advanced first with a compare-and-set on
// batch.ExpectedHead. Row locks on aggregate_heads serialize concurrent
// appenders, and the loser observes the moved head once the winner commits.
func (s *Store) InsertEvents(ctx context.Context, tx es.DBTX, batch store.Batch) ([]int64, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if err := s.advanceHead(ctx, tx, batch); err != nil {
		return nil, err
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			tenant_id, aggregate_type, aggregate_id, aggregate_version,
			event_id, event_type, schema_version,
			payload, payload_content_type, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING global_position
	`, s.config.EventsTable)

	positions := make([]int64, len(batch.Records))
	for i := range batch.Records {
		r := &batch.Records[i]

		var metadata interface{}
		if len(r.Metadata) != 0 {
			metadata = string(r.Metadata)
		}

		err := tx.QueryRowContext(ctx, insertQuery,
			batch.TenantID,
			batch.AggregateType,
			batch.AggregateID,
			r.AggregateVersion,
			r.EventID.String(),
			r.EventType,
			r.SchemaVersion,
			r.Payload,
			r.ContentType,
			metadata,
			r.CreatedAt,
		).Scan(&positions[i])
		if err != nil {
			if s.Classify(err) == store.FaultConflict {
				return nil, fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, err)
			}
			return nil, fmt.Errorf("failed to insert event %d: %w", i, err)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events inserted",
			"tenant", batch.TenantID,
			"aggregate_id", batch.AggregateID,
			"version_range", fmt.Sprintf("%d-%d", batch.ExpectedHead+1, batch.Head()),
			"positions", positions)
	}
	return positions, nil
}

func (s *Store) advanceHead(ctx context.Context, tx es.DBTX, batch store.Batch) error {
	if batch.ExpectedHead == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (tenant_id, aggregate_id, aggregate_type, aggregate_version, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, s.config.AggregateHeadsTable)

		_, err := tx.ExecContext(ctx, query, batch.TenantID, batch.AggregateID, batch.AggregateType, batch.Head())
		if err != nil {
			if s.Classify(err) == store.FaultConflict {
				return fmt.Errorf("%w: aggregate already exists", store.ErrConcurrencyConflict)
			}
			return fmt.Errorf("failed to create aggregate head: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET aggregate_version = $1, updated_at = NOW()
		WHERE tenant_id = $2 AND aggregate_id = $3 AND aggregate_version = $4
	`, s.config.AggregateHeadsTable)

	result, err := tx.ExecContext(ctx, query, batch.Head(), batch.TenantID, batch.AggregateID, batch.ExpectedHead)
	if err != nil {
		return fmt.Errorf("failed to update aggregate head: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update aggregate head: %w", err)
	}
	if n == 0 {
		if s.config.Logger != nil {
			s.config.Logger.Debug(ctx, "optimistic concurrency conflict",
				"tenant", batch.TenantID,
				"aggregate_id", batch.AggregateID,
				"expected_head", batch.ExpectedHead)
		}
		return fmt.Errorf("%w: head moved past %d", store.ErrConcurrencyConflict, batch.ExpectedHead)
	}
	return nil
}

// SelectEvents implements store.Backend.
func (s *Store) SelectEvents(ctx context.Context, q es.DBTX, query store.Query) ([]store.Record, error) {
	sqlQuery := fmt.Sprintf(`
		SELECT
			global_position, tenant_id, aggregate_type, aggregate_id, aggregate_version,
			event_id, event_type, schema_version,
			payload, payload_content_type, metadata, created_at
		FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2 AND aggregate_version >= $3
	`, s.config.EventsTable)
	args := []interface{}{query.TenantID, query.AggregateID, query.FromVersion}

	if query.ToVersion > 0 {
		sqlQuery += " AND aggregate_version <= $4"
		args = append(args, query.ToVersion)
	}
	sqlQuery += " ORDER BY aggregate_version ASC"

	rows, err := q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregate stream: %w", err)
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var (
			r        store.Record
			eventID  string
			metadata []byte
		)
		err := rows.Scan(
			&r.GlobalPosition,
			&r.TenantID,
			&r.AggregateType,
			&r.AggregateID,
			&r.AggregateVersion,
			&eventID,
			&r.EventType,
			&r.SchemaVersion,
			&r.Payload,
			&r.ContentType,
			&metadata,
			&r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if r.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, fmt.Errorf("failed to parse event ID: %w", err)
		}
		r.Metadata = metadata
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return records, nil
}

// SelectMaxVersion implements store.Backend.
func (s *Store) SelectMaxVersion(ctx context.Context, q es.DBTX, tenantID, aggregateID string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT aggregate_version
		FROM %s
		WHERE tenant_id = $1 AND aggregate_id = $2
	`, s.config.AggregateHeadsTable)

	var version int64
	err := q.QueryRowContext(ctx, query, tenantID, aggregateID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check current version: %w", err)
	}
	return version, nil
}

// Watermark implements store.Backend. It is the highest assigned global
// position visible on the queried node, so primary minus replica watermark
// counts the events a replica has yet to apply.
func (s *Store) Watermark(ctx context.Context, q es.DBTX) (int64, error) {
	var mark int64
	query := fmt.Sprintf(`SELECT COALESCE(MAX(global_position), 0) FROM %s`, s.config.EventsTable)
	if err := q.QueryRowContext(ctx, query).Scan(&mark); err != nil {
		return 0, fmt.Errorf("failed to read watermark: %w", err)
	}
	return mark, nil
}

// Classify implements store.Backend.
func (s *Store) Classify(err error) store.Fault {
	if fault, ok := store.ClassifyCommon(err); ok {
		return fault
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code), pqErr.Constraint)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code, pgErr.ConstraintName)
	}
	if pgconn.SafeToRetry(err) {
		return store.FaultBrokenConn
	}
	return store.FaultFatal
}

func classifySQLState(code, constraint string) store.Fault {
	switch {
	case code == "23505":
		if strings.Contains(constraint, "event_id") {
			return store.FaultSchema
		}
		return store.FaultConflict
	case strings.HasPrefix(code, "23"):
		return store.FaultSchema
	case code == "40001", code == "40P01", code == "55P03", code == "53300", code == "57014":
		return store.FaultTransient
	case strings.HasPrefix(code, "08"), code == "57P01", code == "57P02", code == "57P03":
		return store.FaultBrokenConn
	}
	return store.FaultFatal
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
