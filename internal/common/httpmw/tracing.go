package httpmw

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kandev/agentchat/internal/common/tracing"
)

// Span attributes specific to chat traffic.
const (
	attrSessionID = attribute.Key("chat.session_id")
	attrTransport = attribute.Key("chat.transport")
	attrRequestID = attribute.Key("http.request_id")
)

// OtelTracing wraps each request in a server span, continuing any trace the
// caller sent in traceparent. A no-op when tracing is disabled.
//
// Streaming and upgraded requests produce one span covering the whole
// stream or connection.
func OtelTracing(serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		parent := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracing.Tracer(serverName).Start(parent,
			fmt.Sprintf("%s %s", c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRouteKey.String(route),
				attrTransport.String(transportOf(c.Request)),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCodeKey.Int(status))
		if sid := c.Query("session_id"); sid != "" {
			span.SetAttributes(attrSessionID.String(sid))
		}
		if rid := c.Writer.Header().Get(RequestIDHeader); rid != "" {
			span.SetAttributes(attrRequestID.String(rid))
		}
		for _, e := range c.Errors {
			span.RecordError(e.Err)
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

func transportOf(r *http.Request) string {
	switch {
	case strings.EqualFold(r.Header.Get("Upgrade"), "websocket"):
		return "websocket"
	case strings.Contains(r.Header.Get("Accept"), "text/event-stream"):
		return "sse"
	default:
		return "http"
	}
}
