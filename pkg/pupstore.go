// Package pupstore provides a scalable event store for Go applications.
//
// This package serves as the main entry point for the pupstore library.
// The storage engine lives in the es package and its subpackages:
//
//	es                    - Core types: events, expected versions, tenant scope
//	es/engine             - Append and load with retries, caching and replica routing
//	es/store              - Backend contract and error taxonomy
//	es/adapters/sqlite    - Embedded SQLite backend
//	es/adapters/postgres  - PostgreSQL backend with optional partitioning
//	es/adapters/mysql     - MySQL/MariaDB backend
//	es/pool               - Auto-scaling connection pools
//	es/replica            - Read replica routing
//	es/cache              - Tiered stream cache (memory and Redis)
//	es/compress           - Payload compression frames
//	es/migrations         - Migration generation
//
// Quick Start:
//
//  1. Generate migrations:
//     go run github.com/getpup/pupstore/cmd/migrate-gen --output migrations
//
//  2. Build an engine and append events:
//     p, _ := pool.New(pool.FromDB(db), pool.DefaultConfig(), pool.WithClassifier(backend.Classify))
//     eng := engine.New(backend, replica.Single(replica.Node{Name: "primary", Pool: p}))
//     result, err := eng.Append(ctx, "order-1", "Order", es.NoStream(), events)
//
//  3. Load a stream:
//     stream, err := eng.LoadStream(ctx, "order-1", 1)
package pupstore

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
