package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"payment-core/internal/telemetry"
)

// observabilityMiddleware traces, logs and counts every routed request. Routes
// are labelled by their template so ids do not explode metric cardinality.
func observabilityMiddleware(logger *zap.Logger, metrics *telemetry.Metrics) mux.MiddlewareFunc {
	tracer := telemetry.Tracer("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, route), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			if sc := span.SpanContext(); sc.IsValid() {
				w.Header().Set("X-Trace-ID", sc.TraceID().String())
			}

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r.WithContext(ctx))
			duration := time.Since(start)

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", ww.statusCode),
			)
			if ww.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
			}

			if metrics != nil {
				metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.statusCode)).Inc()
				metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(duration.Seconds())
			}

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.statusCode),
				zap.Duration("duration", duration),
				zap.String("trace_id", span.SpanContext().TraceID().String()),
				zap.String("user_agent", r.UserAgent()),
			)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
