package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.pilab.hu/oauthlink/log"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	buf.Reset()
	return line
}

func TestZerologAdapter_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewZerologAdapterWithWriter(&buf, zerolog.DebugLevel)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.Info(ctx, "connected", map[string]interface{}{"provider": "google"})
	line := decodeLine(t, &buf)
	assert.Equal(t, "connected", line["message"])
	assert.Equal(t, "google", line["provider"])
	assert.Equal(t, span.SpanContext().TraceID().String(), line["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), line["span_id"])

	logger.Warn(context.Background(), "no span")
	line = decodeLine(t, &buf)
	assert.NotContains(t, line, "trace_id")
}

func TestZerologAdapter_LevelAndWith(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewZerologAdapterWithWriter(&buf, zerolog.InfoLevel)

	logger.Debug(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	logger.With(map[string]interface{}{"component": "sweep"}).
		Error(context.Background(), "refresh failed", errors.New("boom"))
	line := decodeLine(t, &buf)
	assert.Equal(t, "sweep", line["component"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "error", line["level"])
}

func TestSetup_InvalidLevel(t *testing.T) {
	_, err := log.Setup("loud", false)
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	assert.Empty(t, log.Fingerprint(""))
	fp := log.Fingerprint("ya29.secret-token")
	assert.Len(t, fp, 6)
	assert.Equal(t, fp, log.Fingerprint("ya29.secret-token"))
	assert.NotEqual(t, fp, log.Fingerprint("ya29.other-token"))
}
