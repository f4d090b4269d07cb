package tracing

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// HTTPMiddleware creates Gin middleware for HTTP tracing
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID, parentID := ExtractHeader(c.Request.Header)
		ctx := WithRemote(c.Request.Context(), traceID, parentID)

		name := c.FullPath()
		if name == "" {
			name = "bridge"
		}
		span, ctx := tracer.StartSpan(ctx, name)
		span.SetTag("http.method", c.Request.Method)
		span.SetTag("http.path", c.Request.URL.Path)
		if c.IsWebsocket() {
			span.SetTag("http.upgrade", "websocket")
		}

		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderTraceID, string(span.TraceID))
		c.Header(HeaderSpanID, string(span.SpanID))

		c.Next()

		span.SetStatus(c.Writer.Status())
		span.SetTag("http.status", strconv.Itoa(c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}

		span.Finish()
		tracer.Submit(span)
	}
}

// Handler wraps a plain http.Handler with the same span lifecycle as
// HTTPMiddleware, for hosts that mount the bridge without gin.
func Handler(tracer *Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID, parentID := ExtractHeader(r.Header)
		ctx := WithRemote(r.Context(), traceID, parentID)

		span, ctx := tracer.StartSpan(ctx, "bridge")
		span.SetTag("http.method", r.Method)
		span.SetTag("http.path", r.URL.Path)

		w.Header().Set(HeaderTraceID, string(span.TraceID))
		w.Header().Set(HeaderSpanID, string(span.SpanID))

		next.ServeHTTP(w, r.WithContext(ctx))

		span.Finish()
		tracer.Submit(span)
	})
}
