package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"storefront/observability"
)

func TestNew_WithoutEndpoint(t *testing.T) {
	p, err := observability.New(context.Background(), observability.Config{ServiceName: "storefront-test"})
	require.NoError(t, err)
	assert.NotNil(t, otel.GetTextMapPropagator())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_WithEndpoint(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed.
	p, err := observability.New(context.Background(), observability.Config{
		ServiceName:  "storefront-test",
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		SampleRate:   0.5,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}

func TestNewLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := observability.NewLogger("debug")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.Same(t, logger, slog.Default())

	logger = observability.NewLogger("error")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
}
