// Package pool provides bounded, auto-scaling pools of backend connections.
//
// A Pool hands out scoped leases on dedicated connections. Capacity adapts to
// observed utilization between Config.Min and Config.Max: sustained saturation
// over a full sampling window grows it by Config.GrowStep, and sustained
// idleness for Config.CoolDown shrinks it by one.
package pool

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/metrics"
	"github.com/getpup/pupstore/es/store"
	"github.com/pkg/errors"
)

// Factory opens a new backend connection.
type Factory func(ctx context.Context) (es.Conn, error)

// FromDB returns a Factory pinning dedicated connections of db.
func FromDB(db *sql.DB) Factory {
	return func(ctx context.Context) (es.Conn, error) {
		return db.Conn(ctx)
	}
}

// Config tunes pool sizing and auto-scaling.
type Config struct {
	// Min is the capacity floor. A pool never shrinks below max(Min, 1).
	Min int

	// Max is the capacity ceiling.
	Max int

	// Initial is the starting capacity, clamped to [max(Min,1), Max].
	Initial int

	// HighWater is the utilization above which every sample of a full
	// window must sit to trigger growth.
	HighWater float64

	// LowWater is the utilization below which the pool must stay for
	// CoolDown to trigger a shrink.
	LowWater float64

	// Window is the number of samples in the sliding utilization window.
	Window int

	// SampleInterval is the period of the background sampler started by Start.
	SampleInterval time.Duration

	// CoolDown is how long utilization must stay under LowWater before shrinking.
	CoolDown time.Duration

	// GrowStep is the capacity added on each growth decision.
	GrowStep int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Min:            1,
		Max:            16,
		Initial:        4,
		HighWater:      0.8,
		LowWater:       0.3,
		Window:         10,
		SampleInterval: time.Second,
		CoolDown:       30 * time.Second,
		GrowStep:       2,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch {
	case c.Max < 1:
		return fmt.Errorf("pool max must be at least 1, got %d", c.Max)
	case c.Min > c.Max:
		return fmt.Errorf("pool min %d exceeds max %d", c.Min, c.Max)
	case c.LowWater < 0 || c.HighWater > 1 || c.LowWater >= c.HighWater:
		return fmt.Errorf("pool watermarks must satisfy 0 <= low (%v) < high (%v) <= 1", c.LowWater, c.HighWater)
	case c.Window < 1:
		return fmt.Errorf("pool window must be at least 1, got %d", c.Window)
	case c.GrowStep < 1:
		return fmt.Errorf("pool grow step must be at least 1, got %d", c.GrowStep)
	}
	return nil
}

func (c Config) floor() int {
	if c.Min < 1 {
		return 1
	}
	return c.Min
}

// Option configures a Pool.
type Option func(*Pool)

// WithName sets the pool name used in logs and metric labels.
func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

// WithLogger sets a logger for pool events.
func WithLogger(logger es.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithClassifier sets the error classifier used by With to decide whether a
// failed connection must be discarded. Backends supply their Classify method.
func WithClassifier(classify func(error) store.Fault) Option {
	return func(p *Pool) { p.classify = classify }
}

// WithClock replaces the time source used by the auto-scaler.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name      string
	Capacity  int
	InUse     int
	Idle      int
	Waiters   int
	Exhausted uint64
	Discarded uint64
}

// Pool is a bounded set of backend connections with FIFO waiters.
type Pool struct {
	factory  Factory
	cfg      Config
	name     string
	logger   es.Logger
	classify func(error) store.Fault
	now      func() time.Time

	mu       sync.Mutex
	capacity int
	inUse    int
	idle     []es.Conn
	waiters  list.List // of *waiter
	closed   bool

	samples  []float64
	next     int
	filled   int
	lowSince time.Time

	exhausted uint64
	discarded uint64

	done      chan struct{}
	closeOnce sync.Once
}

type waiter struct {
	ready   chan struct{}
	granted bool
	err     error
}

// New returns a Pool drawing connections from factory.
// Connections are opened lazily, on first lease of each slot.
func New(factory Factory, cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		factory:  factory,
		cfg:      cfg,
		name:     "primary",
		classify: defaultClassify,
		now:      time.Now,
		samples:  make([]float64, cfg.Window),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.capacity = cfg.Initial
	if p.capacity < cfg.floor() {
		p.capacity = cfg.floor()
	}
	if p.capacity > cfg.Max {
		p.capacity = cfg.Max
	}
	p.publish()
	return p, nil
}

func defaultClassify(err error) store.Fault {
	f, _ := store.ClassifyCommon(err)
	return f
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Acquire leases a connection. A zero timeout tries exactly once; a negative
// timeout waits until ctx is done. Waiters are served in arrival order.
// Acquire fails with store.ErrPoolExhausted when the timeout elapses, ctx.Err()
// when ctx is done, and store.ErrClosed once the pool is closed.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, store.ErrClosed
	}
	if p.inUse < p.capacity && p.waiters.Len() == 0 {
		p.inUse++
		p.publishLocked()
		p.mu.Unlock()
		return p.open(ctx)
	}
	if timeout == 0 {
		p.exhaustedLocked()
		p.mu.Unlock()
		return nil, store.ErrPoolExhausted
	}

	w := &waiter{ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.publishLocked()
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		return p.open(ctx)
	case <-ctx.Done():
		if !p.abandon(w, elem) && w.err == nil {
			p.releaseSlot()
		}
		return nil, ctx.Err()
	case <-expired:
		if p.abandon(w, elem) {
			p.mu.Lock()
			p.exhaustedLocked()
			p.mu.Unlock()
			return nil, store.ErrPoolExhausted
		}
	}

	// The slot was granted concurrently with expiry.
	<-w.ready
	if w.err != nil {
		return nil, w.err
	}
	return p.open(ctx)
}

// abandon removes a waiter that gave up. It returns false if the waiter was
// already signaled, in which case the caller owns the outcome.
func (p *Pool) abandon(w *waiter, elem *list.Element) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted || w.err != nil {
		return false
	}
	p.waiters.Remove(elem)
	p.publishLocked()
	return true
}

func (p *Pool) exhaustedLocked() {
	p.exhausted++
	metrics.PoolExhaustedTotal.WithLabelValues(p.name).Inc()
}

// open binds a connection to an already reserved slot.
func (p *Pool) open(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if n := len(p.idle); n != 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return &Lease{pool: p, conn: conn}, nil
	}
	p.mu.Unlock()

	conn, err := p.factory(ctx)
	if err != nil {
		p.releaseSlot()
		return nil, errors.WithMessagef(err, "opening connection for pool %s", p.name)
	}
	return &Lease{pool: p, conn: conn}, nil
}

// put returns a leased connection and frees its slot.
func (p *Pool) put(conn es.Conn, discard bool) {
	p.mu.Lock()
	keep := !discard && !p.closed && p.inUse+len(p.idle) <= p.capacity
	if keep {
		p.idle = append(p.idle, conn)
	}
	if discard {
		p.discarded++
		metrics.PoolDiscardedTotal.WithLabelValues(p.name).Inc()
	}
	p.inUse--
	p.grantLocked()
	p.publishLocked()
	p.mu.Unlock()

	if !keep {
		p.closeConn(conn)
	}
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.inUse--
	p.grantLocked()
	p.publishLocked()
	p.mu.Unlock()
}

// grantLocked hands free slots to waiters in FIFO order.
func (p *Pool) grantLocked() {
	for p.inUse < p.capacity && p.waiters.Len() != 0 {
		w := p.waiters.Remove(p.waiters.Front()).(*waiter)
		w.granted = true
		p.inUse++
		close(w.ready)
	}
}

func (p *Pool) closeConn(conn es.Conn) {
	if err := conn.Close(); err != nil && p.logger != nil {
		p.logger.Warn(context.Background(), "failed to close pooled connection",
			"pool", p.name, "error", err)
	}
}

// With leases a connection for the duration of fn. The lease is released on
// every exit path; it is discarded instead when fn fails with an error the
// classifier reports as a broken connection, or when fn panics.
func (p *Pool) With(ctx context.Context, timeout time.Duration, fn func(conn es.Conn) error) (err error) {
	lease, err := p.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			lease.Discard()
			panic(r)
		}
		if err != nil && p.classify(err) == store.FaultBrokenConn {
			lease.Discard()
			return
		}
		lease.Release()
	}()
	return fn(lease.Conn())
}

// Sample records one utilization sample and applies the scaling rules.
// Start calls it every SampleInterval; tests call it directly.
func (p *Pool) Sample() {
	var surplus []es.Conn

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	util := float64(p.inUse+p.waiters.Len()) / float64(p.capacity)

	p.samples[p.next] = util
	p.next = (p.next + 1) % len(p.samples)
	if p.filled < len(p.samples) {
		p.filled++
	}

	if p.filled == len(p.samples) && p.capacity < p.cfg.Max && p.allAbove(p.cfg.HighWater) {
		from := p.capacity
		p.capacity += p.cfg.GrowStep
		if p.capacity > p.cfg.Max {
			p.capacity = p.cfg.Max
		}
		p.filled = 0
		p.grantLocked()
		p.logScale("pool grew", from, util)
	}

	now := p.now()
	if util < p.cfg.LowWater {
		if p.lowSince.IsZero() {
			p.lowSince = now
		} else if now.Sub(p.lowSince) >= p.cfg.CoolDown && p.capacity > p.cfg.floor() {
			from := p.capacity
			p.capacity--
			p.lowSince = now
			p.filled = 0
			for len(p.idle) != 0 && p.inUse+len(p.idle) > p.capacity {
				surplus = append(surplus, p.idle[len(p.idle)-1])
				p.idle = p.idle[:len(p.idle)-1]
			}
			p.logScale("pool shrank", from, util)
		}
	} else {
		p.lowSince = time.Time{}
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, conn := range surplus {
		p.closeConn(conn)
	}
}

func (p *Pool) allAbove(mark float64) bool {
	for _, s := range p.samples {
		if s <= mark {
			return false
		}
	}
	return true
}

func (p *Pool) logScale(msg string, from int, util float64) {
	if p.logger != nil {
		p.logger.Info(context.Background(), msg,
			"pool", p.name, "from", from, "to", p.capacity, "utilization", util)
	}
}

// Start runs the background sampler until ctx is done or the pool is closed.
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.SampleInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(p.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sample()
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
		}
	}()
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:      p.name,
		Capacity:  p.capacity,
		InUse:     p.inUse,
		Idle:      len(p.idle),
		Waiters:   p.waiters.Len(),
		Exhausted: p.exhausted,
		Discarded: p.discarded,
	}
}

// Close fails pending waiters with store.ErrClosed and closes idle
// connections. Outstanding leases close their connection on release.
func (p *Pool) Close() error {
	var idle []es.Conn
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for p.waiters.Len() != 0 {
			w := p.waiters.Remove(p.waiters.Front()).(*waiter)
			w.err = store.ErrClosed
			close(w.ready)
		}
		p.publishLocked()
		idle, p.idle = p.idle, nil
		p.mu.Unlock()
		close(p.done)
	})
	for _, conn := range idle {
		p.closeConn(conn)
	}
	return nil
}

func (p *Pool) publish() {
	p.mu.Lock()
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pool) publishLocked() {
	metrics.PoolCapacity.WithLabelValues(p.name).Set(float64(p.capacity))
	metrics.PoolInUse.WithLabelValues(p.name).Set(float64(p.inUse))
	metrics.PoolWaiters.WithLabelValues(p.name).Set(float64(p.waiters.Len()))
}

// Lease is a scoped hold on one pooled connection.
// Release and Discard are idempotent; only the first call takes effect.
type Lease struct {
	pool *Pool
	conn es.Conn
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() es.Conn { return l.conn }

// Release returns the connection to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.put(l.conn, false) })
}

// Discard closes the connection instead of returning it. The pool opens a
// replacement lazily on a later lease.
func (l *Lease) Discard() {
	l.once.Do(func() { l.pool.put(l.conn, true) })
}
