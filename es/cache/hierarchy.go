package cache

import (
	"context"
	"errors"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/metrics"
)

// Hierarchy is an ordered list of tiers, fastest first. Tier failures are
// logged and counted but never surfaced: a failing tier degrades to a miss.
// A Hierarchy without tiers caches nothing.
type Hierarchy struct {
	tiers  []Tier
	logger es.Logger
}

// HierarchyOption configures a Hierarchy.
type HierarchyOption func(*Hierarchy)

// WithLogger sets a logger for tier failures.
func WithLogger(logger es.Logger) HierarchyOption {
	return func(h *Hierarchy) { h.logger = logger }
}

// WithTier appends a tier below those already configured.
func WithTier(t Tier) HierarchyOption {
	return func(h *Hierarchy) { h.tiers = append(h.tiers, t) }
}

// NewHierarchy returns a Hierarchy over the configured tiers.
func NewHierarchy(opts ...HierarchyOption) *Hierarchy {
	h := &Hierarchy{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Disabled returns a Hierarchy that caches nothing.
func Disabled() *Hierarchy { return &Hierarchy{} }

// Enabled reports whether any tier is configured.
func (h *Hierarchy) Enabled() bool { return h != nil && len(h.tiers) != 0 }

// Tiers returns the configured tier names, fastest first.
func (h *Hierarchy) Tiers() []string {
	if h == nil {
		return nil
	}
	names := make([]string, len(h.tiers))
	for i, t := range h.tiers {
		names[i] = t.Name()
	}
	return names
}

// Tokens are per-tier generations captured before a backend read.
type Tokens struct {
	values []uint64
	valid  []bool
}

// Get returns an entry covering version from, walking tiers fastest first.
// A hit in a slower tier back-fills the faster tiers that missed.
func (h *Hierarchy) Get(ctx context.Context, key string, from int64) (Entry, bool) {
	if !h.Enabled() {
		return Entry{}, false
	}
	tokens := Tokens{values: make([]uint64, len(h.tiers)), valid: make([]bool, len(h.tiers))}

	for i, t := range h.tiers {
		// The token precedes the read so a back-fill cannot outlive an invalidation.
		tok, err := t.Token(ctx, key)
		if err == nil {
			tokens.values[i], tokens.valid[i] = tok, true
		}

		entry, ok, err := t.Get(ctx, key)
		switch {
		case err != nil:
			h.warn(ctx, "cache tier read failed", t, key, err)
			metrics.CacheRequestsTotal.WithLabelValues(t.Name(), metrics.Error).Inc()
			continue
		case !ok || !entry.Covers(from):
			metrics.CacheRequestsTotal.WithLabelValues(t.Name(), metrics.Miss).Inc()
			continue
		}
		metrics.CacheRequestsTotal.WithLabelValues(t.Name(), metrics.Hit).Inc()

		for j := 0; j < i; j++ {
			if tokens.valid[j] {
				h.populateTier(ctx, h.tiers[j], key, tokens.values[j], entry)
			}
		}
		return entry, true
	}
	return Entry{}, false
}

// Token captures the generation of key in every tier. Call it before reading
// the backend and pass the result to Populate.
func (h *Hierarchy) Token(ctx context.Context, key string) Tokens {
	if !h.Enabled() {
		return Tokens{}
	}
	tokens := Tokens{values: make([]uint64, len(h.tiers)), valid: make([]bool, len(h.tiers))}
	for i, t := range h.tiers {
		tok, err := t.Token(ctx, key)
		if err != nil {
			h.warn(ctx, "cache tier token failed", t, key, err)
			continue
		}
		tokens.values[i], tokens.valid[i] = tok, true
	}
	return tokens
}

// Populate stores entry in every tier whose generation is unchanged since
// tokens were taken, slowest tier first.
func (h *Hierarchy) Populate(ctx context.Context, key string, tokens Tokens, entry Entry) {
	if !h.Enabled() || len(tokens.values) != len(h.tiers) {
		return
	}
	for i := len(h.tiers) - 1; i >= 0; i-- {
		if tokens.valid[i] {
			h.populateTier(ctx, h.tiers[i], key, tokens.values[i], entry)
		}
	}
}

func (h *Hierarchy) populateTier(ctx context.Context, t Tier, key string, token uint64, entry Entry) {
	err := t.Populate(ctx, key, token, entry)
	if err != nil && !errors.Is(err, ErrStaleToken) {
		h.warn(ctx, "cache tier populate failed", t, key, err)
	}
}

// Invalidate removes key from every tier. It reports whether every tier
// succeeded; entries of a failed tier live until their TTL.
func (h *Hierarchy) Invalidate(ctx context.Context, key string) bool {
	if !h.Enabled() {
		return true
	}
	ok := true
	for _, t := range h.tiers {
		if err := t.Invalidate(ctx, key); err != nil {
			ok = false
			h.warn(ctx, "cache tier invalidation failed", t, key, err)
			metrics.CacheInvalidationsTotal.WithLabelValues(t.Name(), metrics.Fail).Inc()
			continue
		}
		metrics.CacheInvalidationsTotal.WithLabelValues(t.Name(), metrics.Ok).Inc()
	}
	return ok
}

func (h *Hierarchy) warn(ctx context.Context, msg string, t Tier, key string, err error) {
	if h.logger != nil {
		h.logger.Warn(ctx, msg, "tier", t.Name(), "key", key, "error", err)
	}
}
