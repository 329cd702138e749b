package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Tables names the ledger tables.
type Tables struct {
	// Events is the append-only event ledger.
	Events string

	// AggregateHeads tracks the current version of each aggregate.
	AggregateHeads string
}

// DefaultTables returns the default table names.
func DefaultTables() Tables {
	return Tables{
		Events:         "events",
		AggregateHeads: "aggregate_heads",
	}
}

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	Tables

	// Partitioned selects the time-range partitioned PostgreSQL layout.
	Partitioned bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_event_store.sql", timestamp),
		Tables:         DefaultTables(),
	}
}

// SQLite returns the SQLite ledger statements.
func SQLite(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    global_position INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL DEFAULT '',
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 1,
    payload BLOB NOT NULL,
    payload_content_type TEXT NOT NULL DEFAULT '',
    metadata TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')),

    UNIQUE (tenant_id, aggregate_id, aggregate_version)
)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type
    ON %[1]s (event_type, created_at)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_created
    ON %[1]s (created_at)`, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    tenant_id TEXT NOT NULL DEFAULT '',
    aggregate_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_version INTEGER NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%d %%H:%%M:%%f', 'now')),

    PRIMARY KEY (tenant_id, aggregate_id)
)`, t.AggregateHeads),
	}
}

// Postgres returns the PostgreSQL ledger statements.
//
// In the partitioned layout the events table is range-partitioned by
// created_at with a DEFAULT partition. Unique constraints of a partitioned
// table must include the partition key, so per-aggregate version uniqueness
// across partitions rests on the aggregate_heads compare-and-set.
func Postgres(t Tables, partitioned bool) []string {
	var events string
	if partitioned {
		events = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    global_position BIGSERIAL NOT NULL,
    tenant_id TEXT NOT NULL DEFAULT '',
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_version BIGINT NOT NULL,
    event_id UUID NOT NULL,
    event_type TEXT NOT NULL,
    schema_version INT NOT NULL DEFAULT 1,
    payload BYTEA NOT NULL,
    payload_content_type TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (global_position, created_at),
    UNIQUE (tenant_id, aggregate_id, aggregate_version, created_at),
    UNIQUE (event_id, created_at)
) PARTITION BY RANGE (created_at)`, t.Events)
	} else {
		events = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    global_position BIGSERIAL PRIMARY KEY,
    tenant_id TEXT NOT NULL DEFAULT '',
    aggregate_type TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    aggregate_version BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    schema_version INT NOT NULL DEFAULT 1,
    payload BYTEA NOT NULL,
    payload_content_type TEXT NOT NULL DEFAULT '',
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    UNIQUE (tenant_id, aggregate_id, aggregate_version)
)`, t.Events)
	}

	stmts := []string{events}
	if partitioned {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %[1]s_default PARTITION OF %[1]s DEFAULT`, t.Events))
	}
	return append(stmts,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_aggregate
    ON %[1]s (tenant_id, aggregate_id, aggregate_version)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type
    ON %[1]s (event_type, created_at)`, t.Events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_created
    ON %[1]s (created_at)`, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    tenant_id TEXT NOT NULL DEFAULT '',
    aggregate_id TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    aggregate_version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (tenant_id, aggregate_id)
)`, t.AggregateHeads),
	)
}

// MySQL returns the MySQL/MariaDB ledger statements. Indexes are declared
// inline because MySQL has no CREATE INDEX IF NOT EXISTS.
func MySQL(t Tables) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    global_position BIGINT AUTO_INCREMENT PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL DEFAULT '',
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL,
    event_id CHAR(36) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    schema_version INT NOT NULL DEFAULT 1,
    payload LONGBLOB NOT NULL,
    payload_content_type VARCHAR(255) NOT NULL DEFAULT '',
    metadata JSON,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    UNIQUE KEY uq_%[1]s_aggregate_version (tenant_id, aggregate_id, aggregate_version),
    UNIQUE KEY uq_%[1]s_event_id (event_id),
    KEY idx_%[1]s_event_type (event_type, created_at),
    KEY idx_%[1]s_created (created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.Events),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
    tenant_id VARCHAR(255) NOT NULL DEFAULT '',
    aggregate_id VARCHAR(255) NOT NULL,
    aggregate_type VARCHAR(255) NOT NULL,
    aggregate_version BIGINT NOT NULL,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),

    PRIMARY KEY (tenant_id, aggregate_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, t.AggregateHeads),
	}
}

// Statements returns the statements of the named adapter.
func Statements(adapter string, config *Config) ([]string, error) {
	switch adapter {
	case "postgres":
		return Postgres(config.Tables, config.Partitioned), nil
	case "mysql":
		return MySQL(config.Tables), nil
	case "sqlite":
		return SQLite(config.Tables), nil
	default:
		return nil, fmt.Errorf("unsupported adapter %q, supported adapters are: postgres, mysql, sqlite", adapter)
	}
}

// Script renders statements as a migration file.
func Script(adapter string, stmts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- Event Store Migration for %s\n-- Generated: %s\n\n", adapter, time.Now().Format(time.RFC3339))
	for _, s := range stmts {
		b.WriteString(s)
		b.WriteString(";\n\n")
	}
	return b.String()
}

// Generate writes the migration file of the named adapter.
func Generate(adapter string, config *Config) error {
	stmts, err := Statements(adapter, config)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(Script(adapter, stmts)), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error { return Generate("postgres", config) }

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error { return Generate("sqlite", config) }

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error { return Generate("mysql", config) }
