// Package replica routes reads between a primary and its read replicas.
//
// Writes always go to the primary. Reads follow the configured Policy among
// replicas whose measured lag is within Config.MaxLag. Lag is probed
// periodically: a replica whose lag exceeds the bound, or whose probe failed,
// is excluded until a later probe reports it within tolerance.
package replica

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/metrics"
	"github.com/getpup/pupstore/es/pool"
)

// Policy selects the node serving a read.
type Policy int

const (
	// AlwaysPrimary sends every read to the primary.
	AlwaysPrimary Policy = iota
	// PreferReplica reads from the least-lagging eligible replica, round-robin
	// among ties, and falls back to the primary when none is eligible.
	PreferReplica
	// Nearest reads from the node with the lowest probe round-trip time among
	// the primary and eligible replicas.
	Nearest
)

func (p Policy) String() string {
	switch p {
	case AlwaysPrimary:
		return "primary"
	case PreferReplica:
		return "prefer-replica"
	case Nearest:
		return "nearest"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "primary", "always-primary":
		return AlwaysPrimary, nil
	case "prefer-replica", "replica":
		return PreferReplica, nil
	case "nearest":
		return Nearest, nil
	default:
		return AlwaysPrimary, fmt.Errorf("unknown routing policy %q", name)
	}
}

// Node is a routable backend.
type Node struct {
	Name string
	Pool *pool.Pool
}

// Prober reads a backend's replication progress marker.
// store.Backend implements it.
type Prober interface {
	Watermark(ctx context.Context, q es.DBTX) (int64, error)
}

// Config tunes routing.
type Config struct {
	Policy Policy

	// MaxLag is the largest tolerated difference between the primary and a
	// replica watermark.
	MaxLag int64

	// ProbeInterval is the period of the background prober started by Start.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe of one node.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default routing configuration.
func DefaultConfig() Config {
	return Config{
		Policy:        PreferReplica,
		MaxLag:        100,
		ProbeInterval: 2 * time.Second,
		ProbeTimeout:  time.Second,
	}
}

// Status is the last probed state of a replica.
type Status struct {
	Name      string
	Lag       int64
	Eligible  bool
	RTT       time.Duration
	ProbedAt  time.Time
	LastError error
}

// Router picks nodes for reads and writes.
type Router struct {
	primary Node
	cfg     Config
	prober  Prober
	logger  es.Logger

	mu         sync.RWMutex
	replicas   []*Status
	nodes      map[string]Node
	primaryRTT time.Duration

	next atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a logger for probe failures and eligibility changes.
func WithLogger(logger es.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New returns a Router. Replicas are ineligible until their first probe.
func New(primary Node, replicas []Node, prober Prober, cfg Config, opts ...Option) *Router {
	r := &Router{
		primary: primary,
		cfg:     cfg,
		prober:  prober,
		nodes:   make(map[string]Node, len(replicas)),
	}
	for _, n := range replicas {
		r.replicas = append(r.replicas, &Status{Name: n.Name})
		r.nodes[n.Name] = n
		metrics.ReplicaEligible.WithLabelValues(n.Name).Set(0)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Single returns a Router over a primary without replicas.
func Single(primary Node) *Router {
	return New(primary, nil, nil, Config{Policy: AlwaysPrimary})
}

// Policy returns the configured read policy.
func (r *Router) Policy() Policy { return r.cfg.Policy }

// ForWrite returns the primary.
func (r *Router) ForWrite() Node { return r.primary }

// ForRead returns the node to serve a read under the configured policy.
func (r *Router) ForRead(_ context.Context) Node {
	if r.cfg.Policy == AlwaysPrimary || len(r.replicas) == 0 {
		return r.primary
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	switch r.cfg.Policy {
	case PreferReplica:
		var best []*Status
		for _, s := range r.replicas {
			switch {
			case !s.Eligible:
			case len(best) == 0 || s.Lag < best[0].Lag:
				best = append(best[:0], s)
			case s.Lag == best[0].Lag:
				best = append(best, s)
			}
		}
		if len(best) == 0 {
			return r.primary
		}
		pick := best[(r.next.Add(1)-1)%uint64(len(best))]
		return r.nodes[pick.Name]

	case Nearest:
		node, rtt := r.primary, r.primaryRTT
		for _, s := range r.replicas {
			if s.Eligible && s.RTT < rtt {
				node, rtt = r.nodes[s.Name], s.RTT
			}
		}
		return node
	}
	return r.primary
}

// IsPrimary reports whether n is the primary node.
func (r *Router) IsPrimary(n Node) bool { return n.Pool == r.primary.Pool }

// ProbeOnce measures every replica's lag. Replicas are probed before the
// primary, so the computed lag never underestimates the true lag.
func (r *Router) ProbeOnce(ctx context.Context) {
	if r.prober == nil || len(r.replicas) == 0 {
		return
	}

	type result struct {
		mark int64
		rtt  time.Duration
		err  error
	}
	results := make(map[string]result, len(r.replicas))
	for name, n := range r.nodes {
		mark, rtt, err := r.probe(ctx, n)
		results[name] = result{mark, rtt, err}
	}
	primaryMark, primaryRTT, primaryErr := r.probe(ctx, r.primary)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if primaryErr == nil {
		r.primaryRTT = ewma(r.primaryRTT, primaryRTT)
	} else if r.logger != nil {
		r.logger.Warn(ctx, "primary probe failed", "primary", r.primary.Name, "error", primaryErr)
	}

	for _, s := range r.replicas {
		res := results[s.Name]
		was := s.Eligible
		s.ProbedAt, s.LastError = now, res.err

		switch {
		case res.err != nil:
			s.Eligible = false
		case primaryErr != nil:
			// Without a primary watermark the lag is unknown.
			s.Eligible = false
			s.LastError = fmt.Errorf("primary probe: %w", primaryErr)
			s.RTT = ewma(s.RTT, res.rtt)
		default:
			s.Lag = primaryMark - res.mark
			if s.Lag < 0 {
				s.Lag = 0
			}
			s.Eligible = s.Lag <= r.cfg.MaxLag
			s.RTT = ewma(s.RTT, res.rtt)
		}

		metrics.ReplicaLag.WithLabelValues(s.Name).Set(float64(s.Lag))
		if s.Eligible {
			metrics.ReplicaEligible.WithLabelValues(s.Name).Set(1)
		} else {
			metrics.ReplicaEligible.WithLabelValues(s.Name).Set(0)
		}
		if was != s.Eligible && r.logger != nil {
			r.logger.Info(ctx, "replica eligibility changed",
				"replica", s.Name, "eligible", s.Eligible, "lag", s.Lag, "error", s.LastError)
		}
	}
}

func (r *Router) probe(ctx context.Context, n Node) (mark int64, rtt time.Duration, err error) {
	if r.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		defer cancel()
	}
	start := time.Now()
	err = n.Pool.With(ctx, r.cfg.ProbeTimeout, func(conn es.Conn) error {
		var err error
		mark, err = r.prober.Watermark(ctx, conn)
		return err
	})
	return mark, time.Since(start), err
}

func ewma(prev, sample time.Duration) time.Duration {
	if prev == 0 {
		return sample
	}
	return time.Duration(0.7*float64(prev) + 0.3*float64(sample))
}

// Start probes immediately, then every ProbeInterval until ctx is done.
func (r *Router) Start(ctx context.Context) {
	if r.prober == nil || len(r.replicas) == 0 {
		return
	}
	r.ProbeOnce(ctx)
	if r.cfg.ProbeInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ProbeOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Replicas returns the last probed status of every replica.
func (r *Router) Replicas() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, len(r.replicas))
	for i, s := range r.replicas {
		out[i] = *s
	}
	return out
}

// Pools returns the primary pool followed by every replica pool.
func (r *Router) Pools() []*pool.Pool {
	out := []*pool.Pool{r.primary.Pool}
	for _, s := range r.replicas {
		out = append(out, r.nodes[s.Name].Pool)
	}
	return out
}

// Close closes every pool of the router.
func (r *Router) Close() error {
	for _, p := range r.Pools() {
		_ = p.Close()
	}
	return nil
}
