// Package sqlite provides the embedded, single-process storage backend.
//
// Databases are opened with WAL journaling and immediate write transactions,
// so a single writer proceeds while readers keep reading. Both file-backed
// and in-memory databases are supported through DSN and MemoryDSN.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/migrations"
	"github.com/getpup/pupstore/es/store"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing in SQLite
	sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"

	// DriverName is the database/sql driver name registered by modernc.org/sqlite.
	DriverName = "sqlite"
)

// DSN returns a data source name for a database file, configured for WAL
// journaling, a busy timeout and immediate write transactions.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// MemoryDSN returns a data source name for a named in-memory database shared
// by every connection of the process.
func MemoryDSN(name string) string {
	q := url.Values{}
	q.Set("mode", "memory")
	q.Set("cache", "shared")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	return "file:" + name + "?" + q.Encode()
}

// Open opens a database from a DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

// StoreConfig contains configuration for the SQLite event store.
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
// It starts with the default configuration and applies the given options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a SQLite-backed implementation of store.Backend.
type Store struct {
	config StoreConfig
}

var _ store.Backend = (*Store)(nil)

// NewStore creates a new SQLite event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Name implements store.Backend.
func (s *Store) Name() string { return "sqlite" }

// BootstrapSchema implements store.Backend.
func (s *Store) BootstrapSchema(ctx context.Context, q es.DBTX) error {
	tables := migrations.Tables{Events: s.config.EventsTable, AggregateHeads: s.config.AggregateHeadsTable}
	for _, stmt := range migrations.SQLite(tables) {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "schema bootstrapped", "backend", s.Name(), "events_table", s.config.EventsTable)
	}
	return nil
}

// InsertEvents implements store.Backend.
// The aggregate head is advanced first with a compare-and-set on
// batch.ExpectedHead; the (tenant_id, aggregate_id, aggregate_version)
// constraint on the events table backs it up.
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
			r.CreatedAt.UTC().Format(sqliteDateTimeFormat),
		)
		if err != nil {
			if s.Classify(err) == store.FaultConflict {
				s.logConflict(ctx, batch, r.AggregateVersion)
				return nil, fmt.Errorf("%w: %v", store.ErrConcurrencyConflict, err)
			}
			return nil, fmt.Errorf("failed to insert event %d: %w", i, err)
		}

		positions[i], err = result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to get last insert id: %w", err)
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
	now := time.Now().UTC().Format(sqliteDateTimeFormat)

	if batch.ExpectedHead == 0 {
		query := fmt.Sprintf(`
			INSERT INTO %s (tenant_id, aggregate_id, aggregate_type, aggregate_version, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, s.config.AggregateHeadsTable)

		_, err := tx.ExecContext(ctx, query, batch.TenantID, batch.AggregateID, batch.AggregateType, batch.Head(), now)
		if err != nil {
			if s.Classify(err) == store.FaultConflict {
				s.logConflict(ctx, batch, 1)
				return fmt.Errorf("%w: aggregate already exists", store.ErrConcurrencyConflict)
			}
			return fmt.Errorf("failed to create aggregate head: %w", err)
		}
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET aggregate_version = ?, updated_at = ?
		WHERE tenant_id = ? AND aggregate_id = ? AND aggregate_version = ?
	`, s.config.AggregateHeadsTable)

	result, err := tx.ExecContext(ctx, query, batch.Head(), now, batch.TenantID, batch.AggregateID, batch.ExpectedHead)
	if err != nil {
		return fmt.Errorf("failed to update aggregate head: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update aggregate head: %w", err)
	}
	if n == 0 {
		s.logConflict(ctx, batch, batch.ExpectedHead+1)
		return fmt.Errorf("%w: head moved past %d", store.ErrConcurrencyConflict, batch.ExpectedHead)
	}
	return nil
}

func (s *Store) logConflict(ctx context.Context, batch store.Batch, version int64) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "optimistic concurrency conflict",
			"tenant", batch.TenantID,
			"aggregate_id", batch.AggregateID,
			"aggregate_version", version)
	}
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
			r         store.Record
			eventID   string
			metadata  sql.NullString
			createdAt string
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
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if r.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, fmt.Errorf("failed to parse event ID: %w", err)
		}
		if r.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		if metadata.Valid {
			r.Metadata = []byte(metadata.String)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "aggregate stream read",
			"tenant", query.TenantID,
			"aggregate_id", query.AggregateID,
			"event_count", len(records))
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

	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return store.FaultFatal
	}

	code := sqliteErr.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return store.FaultTransient
	case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
		return store.FaultBrokenConn
	case sqlite3.SQLITE_CONSTRAINT:
		if IsUniqueViolation(err) && !strings.Contains(err.Error(), ".event_id") {
			return store.FaultConflict
		}
		return store.FaultSchema
	}
	return store.FaultFatal
}

// IsUniqueViolation checks if an error is a SQLite unique or primary key
// constraint violation.
func IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sqliteDateTimeFormats lists common SQLite datetime formats for parsing
var sqliteDateTimeFormats = []string{
	sqliteDateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp parses SQLite datetime strings to time.Time
func parseTimestamp(s string) (time.Time, error) {
	for _, format := range sqliteDateTimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
