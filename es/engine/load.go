package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/cache"
	"github.com/getpup/pupstore/es/metrics"
	"github.com/getpup/pupstore/es/replica"
	"github.com/getpup/pupstore/es/store"
)

// Load sources.
const (
	sourceCache   = "cache"
	sourcePrimary = "primary"
	sourceReplica = "replica"
)

// LoadStream returns the events of an aggregate from fromVersion (inclusive)
// to its head, in ascending and contiguous version order. A fromVersion of
// 0 or 1 reads the whole stream.
//
// Events whose stored payload cannot be decoded are returned with DecodeErr
// set (matching store.ErrDeserialization); the rest of the stream is intact.
//
// Concurrent loads of the same range are coalesced into one backend read.
// A stream is never older than the last version this Engine committed for
// the aggregate.
func (e *Engine) LoadStream(ctx context.Context, aggregateID string, fromVersion int64) (stream es.Stream, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "pupstore.load_stream", trace.WithAttributes(
		attribute.String("pupstore.aggregate_id", aggregateID),
		attribute.Int64("pupstore.from_version", fromVersion),
	))
	defer func() {
		metrics.OperationSeconds.WithLabelValues("load_stream").Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if e.closed.Load() {
		return stream, store.ErrClosed
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	tenant := es.TenantFrom(ctx)
	key := cache.Key(tenant, aggregateID)
	minHead := e.lastCommitted(key)

	if entry, ok := e.cache.Get(ctx, key, fromVersion); ok && entryHead(entry) >= minHead {
		metrics.LoadsTotal.WithLabelValues(sourceCache).Inc()
		span.SetAttributes(attribute.String("pupstore.source", sourceCache))
		return es.Stream{AggregateID: aggregateID, Events: entry.Slice(fromVersion)}, nil
	}

	// minHead is part of the flight key: a load started before one of our
	// own appends must not be shared with a load started after it.
	// The shared read is detached from the caller that started it, so its
	// cancellation never fails the callers that joined; each caller stops
	// waiting on its own context.
	flight := fmt.Sprintf("%s@%d@%d", key, fromVersion, minHead)
	detached := context.WithoutCancel(ctx)
	ch := e.loads.DoChan(flight, func() (interface{}, error) {
		return e.loadFromBackend(detached, tenant, key, aggregateID, fromVersion, minHead)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return stream, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return stream, res.Err
	}
	events := res.Val.([]es.PersistedEvent)
	if res.Shared {
		events = append([]es.PersistedEvent(nil), events...)
	}
	return es.Stream{AggregateID: aggregateID, Events: events}, nil
}

// LoadStreamFromSnapshot returns the events recorded after snapshot.Version.
func (e *Engine) LoadStreamFromSnapshot(ctx context.Context, snapshot es.Snapshot) (es.Stream, error) {
	return e.LoadStream(ctx, snapshot.AggregateID, snapshot.Version+1)
}

func (e *Engine) loadFromBackend(ctx context.Context, tenant, key, aggregateID string, from, minHead int64) ([]es.PersistedEvent, error) {
	// Tokens precede the read so an append committed meanwhile voids the populate.
	tokens := e.cache.Token(ctx, key)
	query := store.Query{TenantID: tenant, AggregateID: aggregateID, FromVersion: from}
	primary := e.router.ForWrite()

	node := e.router.ForRead(ctx)
	records, err := e.read(ctx, node, query)
	if err != nil && !e.router.IsPrimary(node) && e.backend.Classify(err).Retryable() {
		if e.logger != nil {
			e.logger.Warn(ctx, "replica read failed, reading from primary",
				"replica", node.Name, "aggregate_id", aggregateID, "error", err)
		}
		node = primary
		records, err = e.read(ctx, node, query)
	}
	if err != nil {
		return nil, e.wrapError("load_stream", aggregateID, from, err)
	}

	if !e.router.IsPrimary(node) {
		want := minHead
		if e.cache.Enabled() {
			// Entries are only cached when they match the primary's head.
			head, err := e.primaryHead(ctx, tenant, aggregateID)
			if err != nil {
				return nil, e.wrapError("load_stream", aggregateID, from, err)
			}
			if head > want {
				want = head
			}
		}
		if recordsHead(records, from) < want {
			node = primary
			if records, err = e.read(ctx, node, query); err != nil {
				return nil, e.wrapError("load_stream", aggregateID, from, err)
			}
		}
	}

	fetch := func(ctx context.Context, version int64) (store.Record, bool, error) {
		heads, err := e.read(ctx, node, store.Query{
			TenantID: tenant, AggregateID: aggregateID, FromVersion: version, ToVersion: version,
		})
		if err != nil || len(heads) == 0 {
			return store.Record{}, false, err
		}
		return heads[0], true, nil
	}
	events, err := e.newDecoder(fetch).decode(ctx, records)
	if err != nil {
		return nil, e.wrapError("load_stream", aggregateID, from, err)
	}

	source := sourceReplica
	if e.router.IsPrimary(node) {
		source = sourcePrimary
	}
	metrics.LoadsTotal.WithLabelValues(source).Inc()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("pupstore.source", source))

	for i := range events {
		if events[i].DecodeErr != nil {
			return events, nil
		}
	}
	e.cache.Populate(ctx, key, tokens, cache.Entry{From: from, Events: events})
	return events, nil
}

// read selects records on node, retrying transient failures.
func (e *Engine) read(ctx context.Context, node replica.Node, query store.Query) ([]store.Record, error) {
	return withRetry(ctx, e, "load_stream", func() ([]store.Record, error) {
		var records []store.Record
		err := node.Pool.With(ctx, e.acquireTimeout, func(conn es.Conn) error {
			var err error
			records, err = e.backend.SelectEvents(ctx, conn, query)
			return err
		})
		return records, e.permanent(err)
	})
}

func (e *Engine) primaryHead(ctx context.Context, tenant, aggregateID string) (int64, error) {
	return withRetry(ctx, e, "load_stream", func() (int64, error) {
		var head int64
		err := e.router.ForWrite().Pool.With(ctx, e.acquireTimeout, func(conn es.Conn) error {
			var err error
			head, err = e.backend.SelectMaxVersion(ctx, conn, tenant, aggregateID)
			return err
		})
		return head, e.permanent(err)
	})
}

// recordsHead returns the head a read of from.. observed. An empty read is
// consistent with any head below from.
func recordsHead(records []store.Record, from int64) int64 {
	if len(records) == 0 {
		return from - 1
	}
	return records[len(records)-1].AggregateVersion
}

func entryHead(entry cache.Entry) int64 {
	if len(entry.Events) == 0 {
		return entry.From - 1
	}
	return entry.Events[len(entry.Events)-1].AggregateVersion
}
