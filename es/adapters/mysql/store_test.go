package mysql

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/getpup/pupstore/es/store"
)

func TestClassify(t *testing.T) {
	s := NewStore(DefaultStoreConfig())

	tests := []struct {
		name string
		err  error
		want store.Fault
	}{
		{"version collision", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 't1-o1-2' for key 'events.uq_events_aggregate_version'"}, store.FaultConflict},
		{"heads collision", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 't1-o1' for key 'aggregate_heads.PRIMARY'"}, store.FaultConflict},
		{"duplicate event id", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'abc' for key 'events.uq_events_event_id'"}, store.FaultSchema},
		{"deadlock", &mysql.MySQLError{Number: 1213}, store.FaultTransient},
		{"lock wait", fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1205}), store.FaultTransient},
		{"null column", &mysql.MySQLError{Number: 1048}, store.FaultSchema},
		{"invalid connection", mysql.ErrInvalidConn, store.FaultBrokenConn},
		{"bad conn", driver.ErrBadConn, store.FaultBrokenConn},
		{"syntax", &mysql.MySQLError{Number: 1064}, store.FaultFatal},
		{"other", errors.New("boom"), store.FaultFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Classify(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&mysql.MySQLError{Number: 1062}))
	assert.True(t, IsUniqueViolation(errors.New("Error 1062: Duplicate entry 'x' for key 'y'")))
	assert.False(t, IsUniqueViolation(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsUniqueViolation(nil))
}
