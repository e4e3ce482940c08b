package otel

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ahrav/pacs-ferry/pkg/common/logger"
)

func testLogger() *logger.Logger {
	return logger.New(io.Discard, logger.LevelDebug, "test", nil)
}

func TestInitTelemetryDisabled(t *testing.T) {
	tp, cleanup, err := InitTelemetry(testLogger(), Config{ServiceName: "test"})
	require.NoError(t, err)
	require.NotNil(t, tp)
	cleanup(context.Background())
}

func TestInitTelemetryInstallsGlobalProviders(t *testing.T) {
	// The gRPC exporters connect lazily, so an unreachable endpoint still
	// yields working providers.
	tp, cleanup, err := InitTelemetry(testLogger(), Config{
		ServiceName:      "test",
		ExporterEndpoint: "localhost:4317",
		Probability:      1,
		InsecureExporter: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cleanup(ctx)
	})

	assert.Same(t, tp, otel.GetTracerProvider())

	// Instruments built against the global meter must reach the SDK
	// provider, not the no-op default.
	_, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok)
}
