// Package aggregate rebuilds aggregate state by folding an event stream
// through transition functions registered per event type.
package aggregate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/getpup/pupstore/es"
)

// ErrUnhandledEvent indicates an event type with no registered transition.
var ErrUnhandledEvent = errors.New("unhandled event type")

// Transition is a pure state transition for one event type.
type Transition[S any] func(state S, event es.PersistedEvent) (S, error)

// Registry maps event types to transitions. It is safe for concurrent use.
type Registry[S any] struct {
	mu            sync.RWMutex
	transitions   map[string]Transition[S]
	ignoreUnknown bool
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	ignoreUnknown bool
}

// IgnoreUnknown makes Fold skip event types without a transition instead of failing.
func IgnoreUnknown() Option {
	return func(o *options) { o.ignoreUnknown = true }
}

// NewRegistry returns an empty Registry.
func NewRegistry[S any](opts ...Option) *Registry[S] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[S]{
		transitions:   make(map[string]Transition[S]),
		ignoreUnknown: o.ignoreUnknown,
	}
}

// On registers fn for eventType, replacing any previous transition.
// It returns the registry for chaining.
func (r *Registry[S]) On(eventType string, fn Transition[S]) *Registry[S] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[eventType] = fn
	return r
}

// Handles reports whether eventType has a transition.
func (r *Registry[S]) Handles(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.transitions[eventType]
	return ok
}

// Apply applies a single event to state.
func (r *Registry[S]) Apply(state S, event es.PersistedEvent) (S, error) {
	if event.DecodeErr != nil {
		return state, event.DecodeErr
	}
	r.mu.RLock()
	fn, ok := r.transitions[event.EventType]
	r.mu.RUnlock()
	if !ok {
		if r.ignoreUnknown {
			return state, nil
		}
		return state, fmt.Errorf("%w: %q at version %d", ErrUnhandledEvent, event.EventType, event.AggregateVersion)
	}

	next, err := fn(state, event)
	if err != nil {
		return state, fmt.Errorf("failed to apply %s at version %d: %w", event.EventType, event.AggregateVersion, err)
	}
	return next, nil
}

// Fold applies events in order starting from initial. It stops at the first
// failing event and returns the state before it.
func (r *Registry[S]) Fold(initial S, events []es.PersistedEvent) (S, error) {
	state := initial
	for _, ev := range events {
		next, err := r.Apply(state, ev)
		if err != nil {
			return state, err
		}
		state = next
	}
	return state, nil
}

// FoldStream folds a loaded stream and returns the state with its version.
func (r *Registry[S]) FoldStream(initial S, stream es.Stream) (S, int64, error) {
	state, err := r.Fold(initial, stream.Events)
	if err != nil {
		return state, 0, err
	}
	return state, stream.Version(), nil
}
