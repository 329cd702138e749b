// Package engine is the event store: it appends event batches with optimistic
// concurrency and loads aggregate streams, combining a storage backend, its
// connection pools, replica routing, payload compression and the read cache.
//
// An Engine is explicitly constructed and closed; it holds no global state
// beyond the Prometheus collectors of es/metrics.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/cache"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/compress"
	"github.com/getpup/pupstore/es/pool"
	"github.com/getpup/pupstore/es/replica"
	"github.com/getpup/pupstore/es/store"
)

const tracerName = "github.com/getpup/pupstore/es/engine"

// recentWritesSize bounds the table of versions committed by this process.
const recentWritesSize = 4096

// Engine is the event store. It is safe for concurrent use.
type Engine struct {
	backend store.Backend
	router  *replica.Router
	cache   *cache.Hierarchy
	codecs  *codec.Registry
	cipher  es.Cipher
	logger  es.Logger
	tracer  trace.Tracer

	algo           compress.Algorithm
	batchUnits     bool
	retry          RetryConfig
	acquireTimeout time.Duration
	precheck       bool
	now            func() time.Time

	loads singleflight.Group

	// recent maps a cache key to the highest version this process committed,
	// so a lagging replica or a failed invalidation never hides our own write.
	recentMu sync.Mutex
	recent   *lru.Cache

	closed atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache sets the read cache hierarchy. The default has no tiers.
func WithCache(h *cache.Hierarchy) Option {
	return func(e *Engine) { e.cache = h }
}

// WithCompression compresses stored payloads with algo. With batch set, the
// payloads of one append are compressed together as a unit.
func WithCompression(algo compress.Algorithm, batch bool) Option {
	return func(e *Engine) {
		e.algo = algo
		e.batchUnits = batch
	}
}

// WithCipher sets the payload encryption hook.
func WithCipher(c es.Cipher) Option {
	return func(e *Engine) { e.cipher = c }
}

// WithLogger sets a logger for the engine.
func WithLogger(logger es.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRetry sets the retry policy for transient backend failures.
func WithRetry(cfg RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// WithAcquireTimeout bounds how long an operation waits for a pooled connection.
// Zero tries once; a negative value waits for the context only.
func WithAcquireTimeout(d time.Duration) Option {
	return func(e *Engine) { e.acquireTimeout = d }
}

// WithVersionPrecheck toggles reading the aggregate head before opening the
// append transaction. It only fails stale appends earlier; conflicts are
// detected by the backend either way.
func WithVersionPrecheck(enabled bool) Option {
	return func(e *Engine) { e.precheck = enabled }
}

// WithCodecs sets the payload codec registry exposed by Codecs.
func WithCodecs(r *codec.Registry) Option {
	return func(e *Engine) { e.codecs = r }
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine writing through router's primary.
func New(backend store.Backend, router *replica.Router, opts ...Option) *Engine {
	e := &Engine{
		backend:        backend,
		router:         router,
		cache:          cache.Disabled(),
		codecs:         codec.NewRegistry(),
		tracer:         otel.Tracer(tracerName),
		algo:           compress.None,
		retry:          DefaultRetryConfig(),
		acquireTimeout: 5 * time.Second,
		precheck:       true,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	// lru.New fails only for a non-positive size.
	e.recent, _ = lru.New(recentWritesSize)
	return e
}

// Backend returns the storage backend.
func (e *Engine) Backend() store.Backend { return e.backend }

// Codecs returns the payload codec registry.
func (e *Engine) Codecs() *codec.Registry { return e.codecs }

// Start runs pool auto-scaling and replica lag probes until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	for _, p := range e.router.Pools() {
		p.Start(ctx)
	}
	e.router.Start(ctx)
}

// BootstrapSchema creates the backend schema on the primary. It is idempotent.
func (e *Engine) BootstrapSchema(ctx context.Context) error {
	if e.closed.Load() {
		return store.ErrClosed
	}
	ctx, span := e.tracer.Start(ctx, "pupstore.bootstrap_schema")
	defer span.End()

	err := e.router.ForWrite().Pool.With(ctx, e.acquireTimeout, func(conn es.Conn) error {
		return e.backend.BootstrapSchema(ctx, conn)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if e.logger != nil {
		e.logger.Info(ctx, "schema bootstrapped", "backend", e.backend.Name())
	}
	return nil
}

// Health is a point-in-time report of the engine's dependencies.
type Health struct {
	Backend string

	// PrimaryErr is the result of pinging the primary.
	PrimaryErr error

	Pools      []pool.Stats
	Replicas   []replica.Status
	CacheTiers []string
}

// Healthy reports whether the primary is reachable.
func (h Health) Healthy() bool { return h.PrimaryErr == nil }

// HealthCheck pings the primary and reports pool, replica and cache state.
func (e *Engine) HealthCheck(ctx context.Context) Health {
	h := Health{
		Backend:    e.backend.Name(),
		Replicas:   e.router.Replicas(),
		CacheTiers: e.cache.Tiers(),
	}
	if e.closed.Load() {
		h.PrimaryErr = store.ErrClosed
	} else {
		h.PrimaryErr = e.router.ForWrite().Pool.With(ctx, e.acquireTimeout, func(conn es.Conn) error {
			return conn.PingContext(ctx)
		})
	}
	for _, p := range e.router.Pools() {
		h.Pools = append(h.Pools, p.Stats())
	}
	return h
}

// Close closes every pool. Later operations fail with store.ErrClosed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.router.Close()
}

// lastCommitted returns the highest version this process committed for key.
func (e *Engine) lastCommitted(key string) int64 {
	if v, ok := e.recent.Get(key); ok {
		return v.(int64)
	}
	return 0
}

func (e *Engine) noteCommitted(key string, version int64) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	if v, ok := e.recent.Peek(key); ok && v.(int64) >= version {
		return
	}
	e.recent.Add(key, version)
}
