package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func versions(vs ...int64) []PersistedEvent {
	events := make([]PersistedEvent, len(vs))
	for i, v := range vs {
		events[i].AggregateVersion = v
	}
	return events
}

func TestStream_Version(t *testing.T) {
	tests := []struct {
		name   string
		stream Stream
		want   int64
	}{
		{"empty stream returns version 0", Stream{AggregateID: "123"}, 0},
		{"single event", Stream{AggregateID: "123", Events: versions(1)}, 1},
		{"last event wins", Stream{AggregateID: "123", Events: versions(1, 2, 3)}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stream.Version())
		})
	}
}

func TestStream_IsEmptyAndLen(t *testing.T) {
	var empty Stream
	assert.True(t, empty.IsEmpty())
	assert.Equal(t, 0, empty.Len())

	s := Stream{Events: versions(4, 5)}
	assert.False(t, s.IsEmpty())
	assert.Equal(t, 2, s.Len())
}

func TestStream_Contiguous(t *testing.T) {
	tests := []struct {
		name string
		vs   []int64
		want bool
	}{
		{"empty", nil, true},
		{"single", []int64{7}, true},
		{"ascending by one", []int64{3, 4, 5}, true},
		{"gap", []int64{1, 3}, false},
		{"duplicate", []int64{1, 2, 2}, false},
		{"descending", []int64{2, 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Stream{Events: versions(tt.vs...)}.Contiguous())
		})
	}
}

func TestAppendResult_Versions(t *testing.T) {
	tests := []struct {
		name     string
		result   AppendResult
		wantFrom int64
		wantTo   int64
	}{
		{"empty result", AppendResult{}, 0, 0},
		{"first event of a new aggregate", AppendResult{Events: versions(1), GlobalPositions: []int64{1}}, 0, 1},
		{"single event at version 5", AppendResult{Events: versions(5), GlobalPositions: []int64{10}}, 4, 5},
		{"batch starting at version 3", AppendResult{Events: versions(3, 4, 5), GlobalPositions: []int64{10, 11, 12}}, 2, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantFrom, tt.result.FromVersion())
			assert.Equal(t, tt.wantTo, tt.result.ToVersion())
		})
	}
}

func TestTenantScope(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", TenantFrom(ctx))

	ctx = WithTenant(ctx, "acme")
	assert.Equal(t, "acme", TenantFrom(ctx))

	ctx = WithTenant(ctx, "globex")
	assert.Equal(t, "globex", TenantFrom(ctx))
}
