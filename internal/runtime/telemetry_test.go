package runtime

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-avatar/internal/bus/bustest"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

func captureTraces(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut := traceOutput
	prevTP := otel.GetTracerProvider()
	prevMP := otel.GetMeterProvider()
	traceOutput = &buf
	t.Cleanup(func() {
		traceOutput = prevOut
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})
	return &buf
}

func emitSpan(t *testing.T, cfg config.Config) {
	t.Helper()
	shutdown, handler, err := setupTelemetry(cfg, bustest.Logger())
	require.NoError(t, err)
	assert.NotNil(t, handler)

	_, span := otel.Tracer("test").Start(context.Background(), "tts.session")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestDefaultTelemetryKeepsStdoutClean(t *testing.T) {
	buf := captureTraces(t)
	cfg := config.Default()
	require.Equal(t, "none", cfg.Telemetry.TraceExporter())

	emitSpan(t, cfg)
	assert.Zero(t, buf.Len())
}

func TestStdoutTracesCarryNodeAttributes(t *testing.T) {
	buf := captureTraces(t)
	cfg := config.Default()
	cfg.Telemetry.Traces = "stdout"
	cfg.Node.ID = "avatar-kitchen"

	emitSpan(t, cfg)
	out := buf.String()
	assert.Contains(t, out, `"Name":"tts.session"`)
	assert.Contains(t, out, "loqa.tts.endpoint")
	assert.Contains(t, out, cfg.Stream.Addr())
	assert.Contains(t, out, "avatar-kitchen")
	assert.NotContains(t, out, "\n  ", "spans are written one per line")
}

func TestZeroSampleRatioDropsSpans(t *testing.T) {
	buf := captureTraces(t)
	cfg := config.Default()
	cfg.Telemetry.Traces = "stdout"
	cfg.Telemetry.TraceSampleRatio = 0

	emitSpan(t, cfg)
	assert.Zero(t, buf.Len())
}
