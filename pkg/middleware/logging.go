package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
)

// CorrelationIDHeader carries the request correlation ID in both directions.
const CorrelationIDHeader = "X-Correlation-ID"

type accessKey struct{}

// accessEntry collects fields resolved further down the chain (the
// authenticated identity) so the access log line can include them.
type accessEntry struct {
	userID   string
	tenantID string
}

// SetIdentity records the authenticated user and tenant for the access log
// and for loggers derived from ctx afterwards. It returns the updated context.
func SetIdentity(ctx context.Context, userID, tenantID string) context.Context {
	if e, ok := ctx.Value(accessKey{}).(*accessEntry); ok {
		e.userID = userID
		e.tenantID = tenantID
	}
	ctx = logger.WithUserID(ctx, userID)
	ctx = logger.WithTenantID(ctx, tenantID)
	return logger.NewContext(ctx, logger.FromContext(ctx).With(
		slog.String("user_id", userID),
		slog.String("tenant_id", tenantID),
	))
}

// RequestLogging assigns a correlation ID and writes one access log line per request.
func RequestLogging(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			correlationID := r.Header.Get(CorrelationIDHeader)
			if correlationID == "" || len(correlationID) > 128 {
				correlationID = uuid.NewString()
			}

			entry := &accessEntry{}
			ctx := logger.WithCorrelationID(r.Context(), correlationID)
			ctx = context.WithValue(ctx, accessKey{}, entry)
			r = r.WithContext(ctx)

			w.Header().Set(CorrelationIDHeader, correlationID)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", rec.bytes),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
				slog.String("correlation_id", correlationID),
			}
			if entry.userID != "" {
				attrs = append(attrs,
					slog.String("user_id", entry.userID),
					slog.String("tenant_id", entry.tenantID),
				)
			}

			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			l.LogAttrs(ctx, level, "http request", attrs...)
		})
	}
}
