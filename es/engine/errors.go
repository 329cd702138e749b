package engine

import (
	"errors"
	"fmt"

	"github.com/getpup/pupstore/es/store"
)

// commitError marks a failed COMMIT. Its outcome is unknown, so it is never retried.
type commitError struct{ err error }

func (c *commitError) Error() string { return "failed to commit transaction: " + c.err.Error() }
func (c *commitError) Unwrap() error { return c.err }

// wrapError maps a backend failure onto the engine's error kinds, keeping
// the aggregate id, the attempted version and the cause.
func (e *Engine) wrapError(op, aggregateID string, version int64, err error) error {
	var se *store.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &se), errors.Is(err, store.ErrClosed):
		return err
	case errors.Is(err, store.ErrPoolExhausted):
		return store.NewError(store.ErrPoolExhausted, op, aggregateID, version, err)
	}

	var ce *commitError
	switch e.backend.Classify(err) {
	case store.FaultConflict:
		return store.NewError(store.ErrConcurrencyConflict, op, aggregateID, version, err)
	case store.FaultSchema:
		return store.NewError(store.ErrSchemaViolation, op, aggregateID, version, err)
	case store.FaultCanceled:
		return err
	case store.FaultTransient, store.FaultBrokenConn:
		return store.NewError(store.ErrStorageUnavailable, op, aggregateID, version, err)
	}
	if errors.As(err, &ce) {
		return store.NewError(store.ErrStorageUnavailable, op, aggregateID, version, err)
	}
	return fmt.Errorf("%s %q: %w", op, aggregateID, err)
}
