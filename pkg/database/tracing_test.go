package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	return exporter
}

func spanAttrs(s tracetest.SpanStub) map[string]string {
	attrs := make(map[string]string)
	for _, a := range s.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	return attrs
}

func TestTraceQuery_RecordsPostgresSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceQuery(context.Background(), "ConsumeSession", "DELETE FROM refresh_tokens WHERE jti = $1 RETURNING *")
	end(nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "db.ConsumeSession", spans[0].Name)

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "postgresql", attrs["db.system"])
	assert.Equal(t, "ConsumeSession", attrs["db.operation"])
	assert.Contains(t, attrs["db.statement"], "refresh_tokens")
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
}

func TestTraceCommand_RecordsRedisSpanWithoutStatement(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceCommand(context.Background(), "GetDel")
	end(nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "redis", attrs["db.system"])
	_, hasStatement := attrs["db.statement"]
	assert.False(t, hasStatement)
}

func TestTraceQuery_ErrorSetsStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceQuery(context.Background(), "CreateSession", "INSERT INTO refresh_tokens")
	end(errors.New("connection reset"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "connection reset", spans[0].Status.Description)
}

func TestTraceQuery_NoRowsIsNotAnError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, end := TraceQuery(context.Background(), "GetUser", "SELECT ...")
	end(pgx.ErrNoRows)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
}

func TestSlowQueryLogging(t *testing.T) {
	setupTestTracer(t)

	var buf bytes.Buffer
	SetSlowQueryLogging(time.Nanosecond, slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { SetSlowQueryLogging(0, nil) })

	_, end := TraceQuery(context.Background(), "SweepExpired", "DELETE FROM refresh_tokens WHERE expires_at <= $1")
	end(errors.New("statement timeout"))

	out := buf.String()
	assert.Contains(t, out, "slow query detected")
	assert.Contains(t, out, "SweepExpired")
	assert.Contains(t, out, "statement timeout")
}

func TestSlowQueryLogging_FastQueryNotLogged(t *testing.T) {
	setupTestTracer(t)

	var buf bytes.Buffer
	SetSlowQueryLogging(time.Hour, slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { SetSlowQueryLogging(0, nil) })

	_, end := TraceQuery(context.Background(), "GetUser", "SELECT 1")
	end(nil)

	assert.Empty(t, buf.String())
}
