/*
Package tracing provides lightweight request tracing for the bridge.

# Overview

Every request that enters the bridge gets a span. The trace identifier is
taken from the incoming X-Trace-ID header when present, otherwise a new one
is generated. Forwarded requests and backend WebSocket handshakes carry the
same headers so a backend that logs them can be correlated with bridge logs.

Completed spans are handed to a buffered collector and written through zap.

# Usage

	tracer := tracing.New("termbridge", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "ws.relay")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

	tracing.InjectHeader(ctx, outbound.Header)

# Trace Format

- X-Trace-ID: identifier for the entire request flow
- X-Span-ID: identifier for the current operation
*/
package tracing
