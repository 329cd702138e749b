package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/cache"
	"github.com/getpup/pupstore/es/codec"
	"github.com/getpup/pupstore/es/metrics"
	"github.com/getpup/pupstore/es/store"
)

// Append atomically appends events to an aggregate. Versions are assigned
// contiguously after the current head; event AggregateVersion fields are ignored.
//
// expected is checked against the head the backend holds when the batch
// commits. A mismatch fails with store.ErrConcurrencyConflict, which is never
// retried: reload the aggregate and recompute. With es.Any() the batch is
// appended after whatever head is current, retrying on collisions.
//
// Transient failures are retried with exponential backoff and surface as
// store.ErrStorageUnavailable once the retry budget is spent. Every cache tier
// is invalidated for the aggregate before Append returns.
func (e *Engine) Append(ctx context.Context, aggregateID, aggregateType string, expected es.ExpectedVersion, events []es.Event) (result es.AppendResult, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "pupstore.append", trace.WithAttributes(
		attribute.String("pupstore.aggregate_id", aggregateID),
		attribute.String("pupstore.aggregate_type", aggregateType),
		attribute.String("pupstore.expected_version", expected.String()),
		attribute.Int("pupstore.events", len(events)),
	))
	defer func() {
		metrics.OperationSeconds.WithLabelValues("append").Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			metrics.AppendsTotal.WithLabelValues(metrics.Ok).Inc()
			metrics.AppendedEventsTotal.Add(float64(len(result.Events)))
			span.SetAttributes(attribute.Int64("pupstore.committed_version", result.ToVersion()))
		case errors.Is(err, store.ErrConcurrencyConflict):
			metrics.AppendsTotal.WithLabelValues(metrics.Conflict).Inc()
			span.RecordError(err)
		default:
			metrics.AppendsTotal.WithLabelValues(metrics.Fail).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if e.closed.Load() {
		return result, store.ErrClosed
	}
	tenant := es.TenantFrom(ctx)
	head, exact := expected.Head()
	attempted := int64(0)
	if exact {
		attempted = head + 1
	}

	prepared, err := e.prepare(aggregateID, aggregateType, events)
	if err != nil {
		return result, err
	}

	if exact && e.precheck {
		if err = e.precheckHead(ctx, tenant, aggregateID, head); err != nil {
			return result, err
		}
	}

	result, err = withRetry(ctx, e, "append", func() (es.AppendResult, error) {
		r, err := e.appendOnce(ctx, tenant, expected, prepared)
		var ce *commitError
		switch {
		case err == nil:
			return r, nil
		case errors.As(err, &ce):
			return r, backoff.Permanent(err)
		case !exact && e.backend.Classify(err) == store.FaultConflict:
			// Another writer moved the head; read it again.
			return r, err
		}
		return r, e.permanent(err)
	})
	if err != nil {
		err = e.wrapError("append", aggregateID, attempted, err)
		if e.logger != nil && !errors.Is(err, store.ErrConcurrencyConflict) {
			e.logger.Error(ctx, "append failed",
				"aggregate_id", aggregateID, "expected_version", expected.String(), "error", err)
		}
		return es.AppendResult{}, err
	}

	key := cache.Key(tenant, aggregateID)
	e.noteCommitted(key, result.ToVersion())
	e.cache.Invalidate(ctx, key)

	if e.logger != nil {
		e.logger.Debug(ctx, "events appended",
			"aggregate_id", aggregateID,
			"from_version", result.FromVersion(),
			"to_version", result.ToVersion())
	}
	return result, nil
}

// prepare validates a batch and fills the fields the caller may leave empty.
func (e *Engine) prepare(aggregateID, aggregateType string, events []es.Event) ([]es.Event, error) {
	if len(events) == 0 {
		return nil, store.NewError(store.ErrNoEvents, "append", aggregateID, 0, nil)
	}
	if aggregateID == "" {
		return nil, store.NewError(store.ErrSchemaViolation, "append", aggregateID, 0,
			errors.New("aggregate id is required"))
	}

	now := e.now().UTC()
	out := make([]es.Event, len(events))
	for i, ev := range events {
		switch {
		case ev.AggregateID != "" && ev.AggregateID != aggregateID:
			return nil, store.NewError(store.ErrSchemaViolation, "append", aggregateID, 0,
				fmt.Errorf("event %d belongs to aggregate %q", i, ev.AggregateID))
		case ev.AggregateType != "" && ev.AggregateType != aggregateType:
			return nil, store.NewError(store.ErrSchemaViolation, "append", aggregateID, 0,
				fmt.Errorf("event %d has aggregate type %q, want %q", i, ev.AggregateType, aggregateType))
		case ev.EventType == "":
			return nil, store.NewError(store.ErrSchemaViolation, "append", aggregateID, 0,
				fmt.Errorf("event %d has no event type", i))
		}

		ev.AggregateID = aggregateID
		ev.AggregateType = aggregateType
		if ev.EventID == uuid.Nil {
			ev.EventID = uuid.New()
		}
		if ev.SchemaVersion == 0 {
			ev.SchemaVersion = 1
		}
		if ev.ContentType == "" {
			ev.ContentType = codec.ContentTypeRaw
		}
		if ev.Metadata.Timestamp.IsZero() {
			ev.Metadata.Timestamp = now
		}
		out[i] = ev
	}
	return out, nil
}

// precheckHead fails fast when the stored head already differs from the
// expected one. Read failures other than cancellation and pool exhaustion
// are ignored; the backend still decides at commit.
func (e *Engine) precheckHead(ctx context.Context, tenant, aggregateID string, head int64) error {
	var current int64
	err := e.router.ForWrite().Pool.With(ctx, e.acquireTimeout, func(conn es.Conn) error {
		var err error
		current, err = e.backend.SelectMaxVersion(ctx, conn, tenant, aggregateID)
		return err
	})
	switch {
	case err == nil:
	case ctx.Err() != nil, errors.Is(err, store.ErrPoolExhausted), errors.Is(err, store.ErrClosed):
		return e.wrapError("append", aggregateID, head+1, err)
	default:
		if e.logger != nil {
			e.logger.Debug(ctx, "version pre-check skipped", "aggregate_id", aggregateID, "error", err)
		}
		return nil
	}

	if current != head {
		return store.NewError(store.ErrConcurrencyConflict, "append", aggregateID, head+1,
			fmt.Errorf("expected version %d, current version %d", head, current))
	}
	return nil
}

// appendOnce runs one insert transaction on a primary lease.
func (e *Engine) appendOnce(ctx context.Context, tenant string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	var result es.AppendResult
	aggregateID, aggregateType := events[0].AggregateID, events[0].AggregateType

	err := e.router.ForWrite().Pool.With(ctx, e.acquireTimeout, func(conn es.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()

		head, ok := expected.Head()
		if !ok {
			if head, err = e.backend.SelectMaxVersion(ctx, tx, tenant, aggregateID); err != nil {
				return err
			}
		}

		records, err := e.encodeRecords(ctx, tenant, head, events)
		if err != nil {
			return err
		}
		positions, err := e.backend.InsertEvents(ctx, tx, store.Batch{
			TenantID:      tenant,
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			ExpectedHead:  head,
			Records:       records,
		})
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return &commitError{err: err}
		}
		committed = true

		result = es.AppendResult{
			Events:          make([]es.PersistedEvent, len(events)),
			GlobalPositions: positions,
		}
		for i, ev := range events {
			ev.AggregateVersion = records[i].AggregateVersion
			result.Events[i] = es.PersistedEvent{Event: ev, GlobalPosition: positions[i]}
		}
		return nil
	})
	return result, err
}
