// Package cache implements the read-through cache hierarchy in front of the
// storage backend.
//
// A Hierarchy is an ordered list of tiers, fastest first. Reads walk the tiers
// and back-fill faster tiers on a slower hit; the engine populates every tier
// after a backend read and invalidates every tier after a committed append.
//
// Each tier versions its keys with a generation. A reader takes the generation
// Token before reading the backend and passes it to Populate, which is rejected
// if the key was invalidated in between. A read racing an append therefore
// never installs a stale entry.
package cache

import (
	"context"
	"errors"

	"github.com/getpup/pupstore/es"
)

// ErrStaleToken is returned by Populate when the key was invalidated after the token was taken.
var ErrStaleToken = errors.New("cache generation changed")

// Entry is a cached suffix of an aggregate stream, from version From to the head.
type Entry struct {
	From   int64
	Events []es.PersistedEvent
}

// Covers reports whether the entry holds every event at or after version from.
func (e Entry) Covers(from int64) bool {
	if from < 1 {
		from = 1
	}
	return e.From <= from
}

// Slice returns the events at or after version from.
func (e Entry) Slice(from int64) []es.PersistedEvent {
	out := make([]es.PersistedEvent, 0, len(e.Events))
	for _, ev := range e.Events {
		if ev.AggregateVersion >= from {
			out = append(out, ev)
		}
	}
	return out
}

// Key returns the cache key of an aggregate within a tenant scope.
func Key(tenant, aggregateID string) string {
	return tenant + "|" + aggregateID
}

// Tier is one level of the hierarchy.
type Tier interface {
	// Name labels the tier in logs and metrics.
	Name() string

	// Get returns the entry cached under key.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Token returns the current generation of key.
	Token(ctx context.Context, key string) (uint64, error)

	// Populate stores entry under key if its generation still equals token.
	// A changed generation yields ErrStaleToken and leaves the tier untouched.
	Populate(ctx context.Context, key string, token uint64, entry Entry) error

	// Invalidate removes key and advances its generation.
	Invalidate(ctx context.Context, key string) error
}
