// Package migrations holds the ledger DDL of every storage backend.
//
// Backends execute these statements from BootstrapSchema. To apply schema
// changes through your own tooling instead, use the migrate-gen command:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen --output migrations --adapter postgres
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/pupstore/cmd/migrate-gen --output ../../migrations
//
// Then run:
//
//	go generate ./...
package migrations
