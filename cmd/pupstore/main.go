// Command pupstore operates a pupstore event store: it bootstraps schemas,
// appends and loads streams from the command line, reports health, and serves
// the engine's metrics.
package main

import (
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/getpup/pupstore/es/logging"
)

const iniFilename = "pupstore.ini"

// Config is the top-level configuration object of pupstore.
var Config = new(struct {
	Store struct {
		Backend     string   `long:"backend" env:"BACKEND" default:"sqlite" choice:"sqlite" choice:"postgres" choice:"mysql" description:"Storage backend"`
		DSN         string   `long:"dsn" env:"DSN" default:"pupstore.db" description:"Primary data source name. For sqlite, a file path or :memory:"`
		Replicas    []string `long:"replica" env:"REPLICAS" env-delim:"," description:"Read replica data source names"`
		PGDriver    string   `long:"pg-driver" env:"PG_DRIVER" default:"pgx" choice:"pgx" choice:"postgres" description:"database/sql driver for the postgres backend"`
		Partitioned bool     `long:"partitioned" env:"PARTITIONED" description:"Use the time-range partitioned postgres layout"`
		Events      string   `long:"events-table" env:"EVENTS_TABLE" default:"events" description:"Name of the events table"`
		Heads       string   `long:"heads-table" env:"HEADS_TABLE" default:"aggregate_heads" description:"Name of the aggregate heads table"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Pool struct {
		Min            int           `long:"min" env:"MIN" default:"1" description:"Minimum connections per node"`
		Max            int           `long:"max" env:"MAX" default:"16" description:"Maximum connections per node"`
		Initial        int           `long:"initial" env:"INITIAL" default:"4" description:"Initial connections per node"`
		AcquireTimeout time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"5s" description:"Maximum wait for a free connection"`
	} `group:"Pool" namespace:"pool" env-namespace:"POOL"`

	Replica struct {
		Policy        string        `long:"policy" env:"POLICY" default:"prefer-replica" choice:"primary" choice:"prefer-replica" choice:"nearest" description:"Read routing policy"`
		MaxLag        int64         `long:"max-lag" env:"MAX_LAG" default:"100" description:"Largest tolerated replica lag, in global positions"`
		ProbeInterval time.Duration `long:"probe-interval" env:"PROBE_INTERVAL" default:"2s" description:"Replica probe period"`
	} `group:"Replica" namespace:"replica" env-namespace:"REPLICA"`

	Cache struct {
		Policy   string        `long:"policy" env:"POLICY" default:"lru" choice:"none" choice:"lru" choice:"lfu" choice:"fifo" description:"In-memory cache eviction policy, or none"`
		Size     int           `long:"size" env:"SIZE" default:"10000" description:"In-memory cache capacity, in streams"`
		TTL      time.Duration `long:"ttl" env:"TTL" default:"1m" description:"In-memory entry lifetime"`
		Redis    string        `long:"redis" env:"REDIS" description:"Redis address or URL of the shared cache tier"`
		RedisTTL time.Duration `long:"redis-ttl" env:"REDIS_TTL" default:"5m" description:"Redis entry lifetime"`
		Prefix   string        `long:"redis-prefix" env:"REDIS_PREFIX" default:"pupstore" description:"Redis key prefix"`
	} `group:"Cache" namespace:"cache" env-namespace:"CACHE"`

	Engine struct {
		Compression string `long:"compression" env:"COMPRESSION" default:"none" choice:"none" choice:"snappy" choice:"lz4" choice:"zstd" choice:"gzip" description:"Payload compression algorithm"`
		Batch       bool   `long:"batch" env:"BATCH" description:"Compress the events of an append as one unit"`
		KeyEnv      string `long:"cipher-key-env" env:"CIPHER_KEY_ENV" description:"Environment variable holding a base64 payload encryption key"`
		NoPrecheck  bool   `long:"no-precheck" env:"NO_PRECHECK" description:"Skip the expected version pre-check on append"`
	} `group:"Engine" namespace:"engine" env-namespace:"ENGINE"`

	Log logging.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("bootstrap", "Create the event store schema", `
bootstrap creates the events and aggregate heads tables of the configured
backend. It is idempotent.
`, &cmdBootstrap{})

	_, _ = parser.AddCommand("health", "Report event store health", `
health pings the primary, probes replicas, and prints pool and cache state.
It exits non-zero when the primary is unreachable.
`, &cmdHealth{})

	_, _ = parser.AddCommand("append", "Append events to an aggregate", `
append appends one event per positional payload argument to an aggregate,
guarded by the expected version.
`, &cmdAppend{})

	_, _ = parser.AddCommand("load", "Load an aggregate stream", `
load writes the events of an aggregate stream to stdout as JSON lines.
`, &cmdLoad{})

	_, _ = parser.AddCommand("serve", "Serve metrics of a running engine", `
serve starts the engine's pool samplers and replica probes, serves Prometheus
metrics, and logs health periodically until signaled to exit (via SIGTERM).
`, &cmdServe{})

	_, _ = parser.AddCommand("keygen", "Generate a payload encryption key", `
keygen writes a random base64 key suitable for --engine.cipher-key-env.
`, &cmdKeygen{})

	addPrintConfigCmd(parser, iniFilename)
	mustParseConfig(parser, iniFilename)
}
