package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
)

func TestClassifyCommon(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   Fault
		wantOK bool
	}{
		{"nil", nil, FaultNone, true},
		{"canceled", fmt.Errorf("query: %w", context.Canceled), FaultCanceled, true},
		{"deadline", context.DeadlineExceeded, FaultCanceled, true},
		{"conflict sentinel", ErrConcurrencyConflict, FaultConflict, true},
		{"schema sentinel", fmt.Errorf("insert: %w", ErrSchemaViolation), FaultSchema, true},
		{"bad conn", driver.ErrBadConn, FaultBrokenConn, true},
		{"unknown", errors.New("boom"), FaultFatal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClassifyCommon(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestFault_Retryable(t *testing.T) {
	assert.True(t, FaultTransient.Retryable())
	assert.True(t, FaultBrokenConn.Retryable())
	assert.False(t, FaultConflict.Retryable())
	assert.False(t, FaultSchema.Retryable())
	assert.False(t, FaultCanceled.Retryable())
	assert.Equal(t, "broken_conn", FaultBrokenConn.String())
}

func TestError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed")
	err := NewError(ErrConcurrencyConflict, "append", "A1", 1, cause)

	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.ErrorIs(t, err, ErrOptimisticConcurrency)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)
	assert.Contains(t, err.Error(), `aggregate "A1"`)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed")

	var typed *Error
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &typed)
	assert.Equal(t, int64(1), typed.Version)
}

func TestMetadataRoundTrip(t *testing.T) {
	in := es.Metadata{
		CausationID:   uuid.NullUUID{UUID: uuid.New(), Valid: true},
		CorrelationID: uuid.NullUUID{UUID: uuid.New(), Valid: true},
		ActorID:       "user-7",
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
		Extra:         map[string]string{"source": "import"},
	}

	b, err := MarshalMetadata(in)
	require.NoError(t, err)

	out, err := UnmarshalMetadata(b)
	require.NoError(t, err)
	assert.Equal(t, in.CausationID, out.CausationID)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.False(t, out.TraceID.Valid)
	assert.Equal(t, in.ActorID, out.ActorID)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Extra, out.Extra)

	empty, err := UnmarshalMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, es.Metadata{}, empty)
}

func TestBatch_Validate(t *testing.T) {
	rec := func(v int64) Record {
		return Record{TenantID: "t", AggregateID: "A1", AggregateVersion: v}
	}

	ok := Batch{TenantID: "t", AggregateID: "A1", ExpectedHead: 3, Records: []Record{rec(4), rec(5)}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, int64(5), ok.Head())

	assert.ErrorIs(t, Batch{AggregateID: "A1"}.Validate(), ErrNoEvents)

	gap := Batch{TenantID: "t", AggregateID: "A1", ExpectedHead: 3, Records: []Record{rec(4), rec(6)}}
	assert.Error(t, gap.Validate())

	other := Batch{TenantID: "t", AggregateID: "A2", Records: []Record{rec(1)}}
	assert.Error(t, other.Validate())
}
