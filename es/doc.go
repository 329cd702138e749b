// Package es provides the core types of the pupstore event store.
//
// # Overview
//
// This package defines the values that flow through the storage engine:
//   - Event: an immutable domain event proposed for append
//   - PersistedEvent: an event read back with its global position
//   - ExpectedVersion: the optimistic concurrency guard of an append
//   - Stream: the contiguous events of one aggregate
//   - DBTX and Conn: the database/sql surface used by backends
//   - Logger and Cipher: optional hooks injected into the engine
//
// Tenant scope travels on the context. WithTenant sets it, and every cache
// key, row and log line of an operation carries it.
//
// # Quick Start
//
// 1. Generate database migrations, or let the engine bootstrap the schema:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter postgres --output migrations
//
// 2. Build an engine over a backend and a router:
//
//	eng := engine.New(postgres.NewStore(postgres.DefaultStoreConfig()), router)
//
// 3. Append events under an expected version:
//
//	result, err := eng.Append(ctx, "order-1", "Order", es.Exact(3), events)
//	if errors.Is(err, store.ErrConcurrencyConflict) {
//		// reload and retry the command
//	}
//
// 4. Load the stream:
//
//	stream, err := eng.LoadStream(ctx, "order-1", 1)
//
// # Concurrency
//
// Appends to one aggregate are linearizable: of two appends racing on the same
// expected head, exactly one commits and the other fails with a conflict.
// Loads observe every append the same process has committed.
package es
