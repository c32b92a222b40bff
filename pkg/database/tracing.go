package database

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sharp-crm/Sharp-crm2-sub002/pkg/database"

var slowQueryCfg struct {
	mu        sync.RWMutex
	threshold time.Duration
	logger    *slog.Logger
}

// SetSlowQueryLogging logs any traced operation slower than threshold as a
// warning. A zero threshold or nil logger disables it.
func SetSlowQueryLogging(threshold time.Duration, logger *slog.Logger) {
	slowQueryCfg.mu.Lock()
	defer slowQueryCfg.mu.Unlock()
	slowQueryCfg.threshold = threshold
	slowQueryCfg.logger = logger
}

func slowQueryConfig() (time.Duration, *slog.Logger) {
	slowQueryCfg.mu.RLock()
	defer slowQueryCfg.mu.RUnlock()
	return slowQueryCfg.threshold, slowQueryCfg.logger
}

// TraceQuery starts a client span for a Postgres statement. Call the returned
// function with the operation's error when it completes:
//
//	ctx, end := database.TraceQuery(ctx, "ConsumeSession", q)
//	defer func() { end(err) }()
func TraceQuery(ctx context.Context, operation, statement string) (context.Context, func(error)) {
	return traceOp(ctx, "postgresql", operation, statement)
}

// TraceCommand starts a client span for a Redis command pipeline.
func TraceCommand(ctx context.Context, operation string) (context.Context, func(error)) {
	return traceOp(ctx, "redis", operation, "")
}

func traceOp(ctx context.Context, system, operation, statement string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("db.system", system),
		attribute.String("db.operation", operation),
	}
	if statement != "" {
		attrs = append(attrs, attribute.String("db.statement", statement))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		// A missing row or key is a normal lookup outcome, not a span error.
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, redis.Nil) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		threshold, logger := slowQueryConfig()
		if threshold <= 0 || logger == nil {
			return
		}
		if elapsed := time.Since(start); elapsed >= threshold {
			fields := []any{
				slog.String("db_system", system),
				slog.String("operation", operation),
				slog.Duration("duration", elapsed),
			}
			if statement != "" {
				fields = append(fields, slog.String("statement", statement))
			}
			if err != nil {
				fields = append(fields, slog.String("error", err.Error()))
			}
			logger.WarnContext(ctx, "slow query detected", fields...)
		}
	}
}
