package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger(&LogConfig{Level: DebugLevel, Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, "debug", logger.GetLevel().String())

	logger, err = NewLogger(&LogConfig{Level: "bogus", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, "info", logger.GetLevel().String())
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "req-123")
	assert.Equal(t, "req-123", GetCorrelationID(ctx))

	// Empty id gets generated.
	ctx = WithCorrelationID(context.Background(), "")
	assert.NotEmpty(t, GetCorrelationID(ctx))

	assert.Empty(t, GetCorrelationID(context.Background()))
}

func TestProviderDisabled(t *testing.T) {
	provider, err := NewProvider(&Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, provider.TraceProvider)
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestWithTraceCarriesCorrelation(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)

	ctx := WithCorrelationID(context.Background(), "req-42")
	entry := WithTrace(ctx, logger)
	assert.Equal(t, "req-42", entry.Data["correlation_id"])
}
