// Package mysql provides a MySQL/MariaDB storage backend.
//
// The DSN must set parseTime=true so created_at scans into time.Time.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
)

// MySQL server error numbers.
const (
	erDupEntry        = 1062
	erLockWaitTimeout = 1205
	erLockDeadlock    = 1213
	erBadNull         = 1048
	erNoReferencedRow = 1452
	erRowIsReferenced = 1451
	erCheckConstraint = 3819
)

// StoreConfig contains configuration for the MySQL event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// AggregateHeadsTable is the name of the aggregate version tracking table
	AggregateHeadsTable string
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

// NewStoreConfig creates a new store configuration with functional options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a MySQL-backed implementation of store.Backend.
type Store struct {
	config StoreConfig
}

var _ store.Backend = (*Store)(nil)

// NewStore creates a new MySQL event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Name implements store.Backend.
func (s *Store) Name() string { return "mysql" }

// BootstrapSchema implements store.Backend.
func (s *Store) BootstrapSchema(ctx context.Context, q es.DBTX) error {
	tables := migrations.Tables{Events: s.config.EventsTable, AggregateHeads: s.config.AggregateHeadsTable}
	// MySQL requires separate Exec calls for each statement
	for _, stmt := range migrations.MySQL(tables) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}

// InsertEvents implements store.Backend.
// The aggregate head is advanced first with a compare-and-set on
// batch.ExpectedHead; InnoDB row locks serialize concurrent appenders.
func (s *Store) InsertEvents(ctx context.Context, tx es.DBTX, batch store.Batch) ([]int64, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	if batch.ExpectedHead == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (tenant_id, aggregate_id, aggregate_type, aggregate_version)
			VALUES (?, ?, ?, ?)
		`, s.config.AggregateHeadsTable)
		if _, err := tx.ExecContext(ctx, query, batch.TenantID, batch.AggregateID, batch.AggregateType, batch.Head()); err != nil {
			if s.Classify(err) == store.FaultConflict {
				return nil, fmt.Errorf("%w: aggregate already exists", store.ErrConcurrencyConflict)
			}
			return nil, fmt.Errorf("failed to create aggregate head: %w", err)
		}
	} else {
		query := fmt.Sprintf(`
			UPDATE %s SET aggregate_version = ?
			WHERE tenant_id = ? AND aggregate_id = ? AND aggregate_version = ?
		`, s.config.AggregateHeadsTable)
		result, err := tx.ExecContext(ctx, query, batch.Head(), batch.TenantID, batch.AggregateID, batch.ExpectedHead)
		if err != nil {
			return nil, fmt.Errorf("failed to update aggregate head: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return nil, fmt.Errorf("failed to update aggregate head: %w", err)
		} else if n == 0 {
			return nil, fmt.Errorf("%w: head moved past %d", store.ErrConcurrencyConflict, batch.ExpectedHead)
		}
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			tenant_id, aggregate_type, aggregate_id, aggregate_version,
			event_id, event_type, schema_version,
			payload, payload_content_type, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)

	positions := make([]int64, len(batch.Records))
	for i := range batch.Records {
		r := &batch.Records[i]

		var metadata interface{}
		if len(r.Metadata) != 0 {
			metadata = string(r.Metadata)
		}

		result, err := tx.ExecContext(ctx, insertQuery,
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
			r.CreatedAt.UTC(),
		)
		if err != nil {
			if s.Classify(err) == store.FaultConflict {
				return nil, fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, err)
			}
			return nil, fmt.Errorf("failed to insert event %d: %w", i, err)
		}

		if positions[i], err = result.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events inserted",
			"tenant", batch.TenantID,
			"aggregate_id", batch.AggregateID,
			"version_range", fmt.Sprintf("%d-%d", batch.ExpectedHead+1, batch.Head()))
	}
	return positions, nil
}

// SelectEvents implements store.Backend.
func (s *Store) SelectEvents(ctx context.Context, q es.DBTX, query store.Query) ([]store.Record, error) {
	sqlQuery := fmt.Sprintf(`
		SELECT
			global_position, tenant_id, aggregate_type, aggregate_id, aggregate_version,
			event_id, event_type, schema_version,
			payload, payload_content_type, metadata, created_at
		FROM %s
		WHERE tenant_id = ? AND aggregate_id = ? AND aggregate_version >= ?
	`, s.config.EventsTable)
	args := []interface{}{query.TenantID, query.AggregateID, query.FromVersion}

	if query.ToVersion > 0 {
		sqlQuery += " AND aggregate_version <= ?"
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
		WHERE tenant_id = ? AND aggregate_id = ?
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

// Watermark implements store.Backend. It is the highest assigned global position.
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
	if errors.Is(err, mysql.ErrInvalidConn) {
		return store.FaultBrokenConn
	}

	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return store.FaultFatal
	}
	switch mysqlErr.Number {
	case erDupEntry:
		if strings.Contains(mysqlErr.Message, "event_id") {
			return store.FaultSchema
		}
		return store.FaultConflict
	case erLockWaitTimeout, erLockDeadlock:
		return store.FaultTransient
	case erBadNull, erNoReferencedRow, erRowIsReferenced, erCheckConstraint:
		return store.FaultSchema
	}
	return store.FaultFatal
}

// IsUniqueViolation checks if an error is a MySQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == erDupEntry
	}

	// Fallback: check error message for common patterns
	return strings.Contains(err.Error(), "Duplicate entry")
}
