package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/licensehub/internal/observability/context"
	"github.com/smallbiznis/licensehub/internal/principal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "licensehub/http"

	// outcomeKey is the gin context key the validation handlers fill in.
	outcomeKey = "validation_outcome"

	surfacePublic = "public"
	surfaceAPI    = "api"
	surfaceOther  = "other"

	rateLimitedOutcome = "rate_limited"
)

// GinMiddleware opens a server span per request and tags it with the surface
// (public validation or authenticated API), the validation outcome and the
// caller's role. License keys never reach span attributes.
func GinMiddleware() gin.HandlerFunc {
	return ginMiddleware(otel.Tracer(tracerName))
}

func ginMiddleware(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		method := strings.ToUpper(c.Request.Method)
		ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindServer))

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.server_duration_ms", time.Since(start).Milliseconds()),
			attribute.String("licensehub.surface", surfaceOf(route)),
		}
		outcome := strings.TrimSpace(c.GetString(outcomeKey))
		if outcome != "" {
			attrs = append(attrs, attribute.String("validation.outcome", outcome))
		}
		if p, ok := principal.FromContext(c.Request.Context()); ok {
			attrs = append(attrs,
				attribute.String("principal.role", string(p.Role)),
				attribute.String("principal.user_id", p.UserID.String()),
			)
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		switch {
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		case status == http.StatusTooManyRequests && outcome == rateLimitedOutcome:
			span.AddEvent("rate_limited")
		}
		span.End()
	}
}

// surfaceOf splits the public validation endpoints from the authenticated
// API so their latencies can be read apart.
func surfaceOf(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/fivem/"),
		route == "/validate",
		route == "/validate-script",
		route == "/heartbeat":
		return surfacePublic
	case strings.HasPrefix(route, "/api/"):
		return surfaceAPI
	default:
		return surfaceOther
	}
}
