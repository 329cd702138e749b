// Command migrate-gen generates SQL migration files for the pupstore ledger.
//
// Usage:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen --output migrations --filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupstore/cmd/migrate-gen --output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter postgres --partitioned --output migrations
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter mysql --output migrations
//	go run github.com/getpup/pupstore/cmd/migrate-gen --adapter sqlite --output migrations
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/getpup/pupstore/es/migrations"
)

type options struct {
	Adapter     string `long:"adapter" env:"MIGRATE_ADAPTER" default:"postgres" choice:"postgres" choice:"mysql" choice:"sqlite" description:"Database adapter"`
	Output      string `long:"output" default:"migrations" description:"Output folder for the migration file"`
	Filename    string `long:"filename" description:"Output filename (default: timestamp-based)"`
	Events      string `long:"events-table" default:"events" description:"Name of the events table"`
	Heads       string `long:"heads-table" default:"aggregate_heads" description:"Name of the aggregate heads table"`
	Partitioned bool   `long:"partitioned" description:"Generate the time-range partitioned PostgreSQL layout"`
	Stdout      bool   `long:"stdout" description:"Write the migration to stdout instead of a file"`
}

func (o options) config() migrations.Config {
	config := migrations.DefaultConfig()
	config.OutputFolder = o.Output
	config.Events = o.Events
	config.AggregateHeads = o.Heads
	config.Partitioned = o.Partitioned
	if o.Filename != "" {
		config.OutputFilename = o.Filename
	}
	return config
}

func main() {
	var opts options
	if _, err := flags.NewParser(&opts, flags.Default).Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if opts.Partitioned && opts.Adapter != "postgres" {
		log.WithField("adapter", opts.Adapter).Fatal("--partitioned requires the postgres adapter")
	}

	config := opts.config()
	if opts.Stdout {
		stmts, err := migrations.Statements(opts.Adapter, &config)
		if err != nil {
			log.WithField("err", err).Fatal("failed to render migration")
		}
		fmt.Print(migrations.Script(opts.Adapter, stmts))
		return
	}

	if err := migrations.Generate(opts.Adapter, &config); err != nil {
		log.WithFields(log.Fields{"err": err, "adapter": opts.Adapter}).Fatal("failed to generate migration")
	}
	fmt.Printf("Generated %s migration: %s/%s\n", opts.Adapter, config.OutputFolder, config.OutputFilename)
}
