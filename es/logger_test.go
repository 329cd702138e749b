package es_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/getpup/pupstore/es"
)

func TestNoOpLogger(t *testing.T) {
	ctx := context.Background()
	var logger es.Logger = es.NoOpLogger{}

	assert.NotPanics(t, func() {
		logger.Debug(ctx, "debug message", "key", "value")
		logger.Info(ctx, "info message", "key", "value")
		logger.Warn(ctx, "warn message", "key", "value")
		logger.Error(ctx, "error message", "key", "value")
	})
}
