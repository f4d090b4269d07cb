package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection. WebSocket
// upgrades are skipped: relays are accounted for by the WS metrics.
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") != "" {
			c.Next()
			return
		}

		start := time.Now()
		method := c.Request.Method

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		metrics.RecordHTTPRequest(method, status, time.Since(start))
	}
}

// Timer measures operation duration
type Timer struct {
	start     time.Time
	metrics   *Metrics
	component string
	operation string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, component, operation string) *Timer {
	return &Timer{
		start:     time.Now(),
		metrics:   metrics,
		component: component,
		operation: operation,
	}
}

// Stop stops the timer and records the duration
func (t *Timer) Stop(status string) time.Duration {
	duration := time.Since(t.start)
	if t.metrics != nil {
		t.metrics.OperationTiming.WithLabelValues(t.component, t.operation, status).Observe(duration.Seconds())
	}
	return duration
}
