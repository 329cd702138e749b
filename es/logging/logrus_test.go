package logging

import (
	"context"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
)

func TestLoggerFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(log.DebugLevel)
	l := New(log.NewEntry(base))

	ctx := es.WithTenant(context.Background(), "acme")
	l.Warn(ctx, "cache tier read failed", "tier", "l2", "attempt", 3)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, log.WarnLevel, entry.Level)
	assert.Equal(t, "cache tier read failed", entry.Message)
	assert.Equal(t, log.Fields{"tier": "l2", "attempt": 3, "tenant": "acme"}, entry.Data)
}

func TestLoggerOddKeyvals(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := New(log.NewEntry(base))

	l.Error(context.Background(), "append failed", "aggregate_id", "A1", "dangling")
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "A1", entry.Data["aggregate_id"])
	assert.Equal(t, "dangling", entry.Data["!BADKEY"])
	assert.NotContains(t, entry.Data, "tenant")
}

func TestDebugRespectsLevel(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(log.InfoLevel)
	l := New(log.NewEntry(base))

	l.Debug(context.Background(), "events appended")
	assert.Empty(t, hook.AllEntries())

	l.Info(context.Background(), "schema bootstrapped", "backend", "sqlite")
	assert.Len(t, hook.AllEntries(), 1)
}
