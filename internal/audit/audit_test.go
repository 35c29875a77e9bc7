package audit

import (
	"context"
	"testing"

	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLog_UsesContextLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := logger.ToContext(context.Background(), zap.New(core).With(logger.RequestID("req-1")))

	Log(ctx, KeyRevoked, logger.KeyID("https://a.example/users/alice#k1"))

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "audit", e.LoggerName)
	assert.Equal(t, KeyRevoked, e.Message)
	fields := e.ContextMap()
	assert.Equal(t, KeyRevoked, fields["event"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "https://a.example/users/alice#k1", fields["key_id"])
}

func TestLog_FallsBackToSingleton(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := logger.Replace(zap.New(core))
	defer restore()

	Log(context.Background(), DeliveryCancelled)
	assert.Equal(t, 1, logs.Len())
}
