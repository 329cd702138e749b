package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/getpup/pupstore/es"
	mysqladapter "github.com/getpup/pupstore/es/adapters/mysql"
	"github.com/getpup/pupstore/es/adapters/postgres"
	"github.com/getpup/pupstore/es/adapters/sqlite"
	"github.com/getpup/pupstore/es/cache"
	"github.com/getpup/pupstore/es/compress"
	"github.com/getpup/pupstore/es/crypto"
	"github.com/getpup/pupstore/es/engine"
	"github.com/getpup/pupstore/es/logging"
	"github.com/getpup/pupstore/es/pool"
	"github.com/getpup/pupstore/es/replica"
	"github.com/getpup/pupstore/es/store"
)

// buildBackend returns the configured backend variant.
func buildBackend(logger es.Logger) (store.Backend, error) {
	var cfg = Config.Store
	switch cfg.Backend {
	case "sqlite":
		return sqlite.NewStore(sqlite.NewStoreConfig(
			sqlite.WithLogger(logger),
			sqlite.WithEventsTable(cfg.Events),
			sqlite.WithAggregateHeadsTable(cfg.Heads),
		)), nil
	case "postgres":
		return postgres.NewStore(postgres.NewStoreConfig(
			postgres.WithLogger(logger),
			postgres.WithEventsTable(cfg.Events),
			postgres.WithAggregateHeadsTable(cfg.Heads),
			postgres.WithPartitioning(cfg.Partitioned),
		)), nil
	case "mysql":
		return mysqladapter.NewStore(mysqladapter.NewStoreConfig(
			mysqladapter.WithLogger(logger),
			mysqladapter.WithEventsTable(cfg.Events),
			mysqladapter.WithAggregateHeadsTable(cfg.Heads),
		)), nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

// openDB opens a database handle of the configured backend.
func openDB(dsn string) (*sql.DB, error) {
	switch Config.Store.Backend {
	case "sqlite":
		if dsn == ":memory:" {
			return sqlite.Open(sqlite.MemoryDSN("pupstore"))
		}
		return sqlite.Open(sqlite.DSN(dsn))
	case "postgres":
		return sql.Open(Config.Store.PGDriver, dsn)
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, errors.WithMessage(err, "parsing mysql dsn")
		}
		cfg.ParseTime = true
		return sql.Open("mysql", cfg.FormatDSN())
	default:
		return nil, fmt.Errorf("unsupported backend %q", Config.Store.Backend)
	}
}

// openNodeDB opens the handle behind each node.
var openNodeDB = openDB

// builtNode is a node with the handle its pool draws from.
type builtNode struct {
	replica.Node
	db *sql.DB
}

func (n builtNode) close() {
	_ = n.Pool.Close()
	_ = n.db.Close()
}

func buildNode(name, dsn string, backend store.Backend, logger es.Logger) (builtNode, error) {
	db, err := openNodeDB(dsn)
	if err != nil {
		return builtNode{}, errors.WithMessagef(err, "opening %s", name)
	}
	var cfg = pool.DefaultConfig()
	cfg.Min = Config.Pool.Min
	cfg.Max = Config.Pool.Max
	cfg.Initial = Config.Pool.Initial

	p, err := pool.New(pool.FromDB(db), cfg,
		pool.WithName(name),
		pool.WithLogger(logger),
		pool.WithClassifier(backend.Classify),
	)
	if err != nil {
		_ = db.Close()
		return builtNode{}, errors.WithMessagef(err, "building %s pool", name)
	}
	return builtNode{Node: replica.Node{Name: name, Pool: p}, db: db}, nil
}

// buildRouter builds the primary and replica nodes. If any step fails, the
// nodes already built are closed before the error is returned.
func buildRouter(backend store.Backend, logger es.Logger) (_ *replica.Router, err error) {
	var built []builtNode
	defer func() {
		if err != nil {
			for _, n := range built {
				n.close()
			}
		}
	}()

	primary, err := buildNode("primary", Config.Store.DSN, backend, logger)
	if err != nil {
		return nil, err
	}
	built = append(built, primary)
	if len(Config.Store.Replicas) == 0 {
		return replica.Single(primary.Node), nil
	}

	policy, err := replica.ParsePolicy(Config.Replica.Policy)
	if err != nil {
		return nil, err
	}
	var replicas []replica.Node
	for i, dsn := range Config.Store.Replicas {
		n, err := buildNode(fmt.Sprintf("replica-%d", i), dsn, backend, logger)
		if err != nil {
			return nil, err
		}
		built = append(built, n)
		replicas = append(replicas, n.Node)
	}

	var cfg = replica.DefaultConfig()
	cfg.Policy = policy
	cfg.MaxLag = Config.Replica.MaxLag
	cfg.ProbeInterval = Config.Replica.ProbeInterval
	return replica.New(primary.Node, replicas, backend, cfg, replica.WithLogger(logger)), nil
}

func buildCache(logger es.Logger) (*cache.Hierarchy, error) {
	var cfg = Config.Cache
	var opts = []cache.HierarchyOption{cache.WithLogger(logger)}

	if cfg.Policy != "none" {
		policy, err := cache.ParsePolicy(cfg.Policy)
		if err != nil {
			return nil, err
		}
		l1, err := cache.NewMemoryTier("memory", policy, cfg.Size, cfg.TTL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, cache.WithTier(l1))
	}
	if cfg.Redis != "" {
		client, err := cache.Connect(cfg.Redis)
		if err != nil {
			return nil, err
		}
		var rc = cache.DefaultRedisConfig()
		rc.Prefix = cfg.Prefix
		rc.TTL = cfg.RedisTTL
		opts = append(opts, cache.WithTier(cache.NewRedisTier(client, rc)))
	}
	if len(opts) == 1 {
		return cache.Disabled(), nil
	}
	return cache.NewHierarchy(opts...), nil
}

// buildEngine assembles an Engine from Config.
func buildEngine() (*engine.Engine, error) {
	var logger = logging.New(nil)

	backend, err := buildBackend(logger)
	if err != nil {
		return nil, err
	}
	router, err := buildRouter(backend, logger)
	if err != nil {
		return nil, err
	}
	hierarchy, err := buildCache(logger)
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	algo, err := compress.ParseAlgorithm(Config.Engine.Compression)
	if err != nil {
		_ = router.Close()
		return nil, err
	}

	var opts = []engine.Option{
		engine.WithLogger(logger),
		engine.WithCache(hierarchy),
		engine.WithCompression(algo, Config.Engine.Batch),
		engine.WithAcquireTimeout(Config.Pool.AcquireTimeout),
		engine.WithVersionPrecheck(!Config.Engine.NoPrecheck),
	}
	if name := Config.Engine.KeyEnv; name != "" {
		key, err := crypto.ParseKey(os.Getenv(name))
		if err != nil {
			_ = router.Close()
			return nil, errors.WithMessagef(err, "reading cipher key from $%s", name)
		}
		aead, err := crypto.NewAEAD(key)
		if err != nil {
			_ = router.Close()
			return nil, err
		}
		opts = append(opts, engine.WithCipher(aead))
	}
	return engine.New(backend, router, opts...), nil
}
