package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.RecordHTTPRequest(c.Request.Method, path, status, time.Since(start))
	}
}

// Timer measures the round trip of one outbound request
type Timer struct {
	start   time.Time
	metrics *Metrics
	kind    string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, kind string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		kind:    kind,
	}
}

// Stop stops the timer and records the duration under outcome
func (t *Timer) Stop(outcome string) {
	t.metrics.RecordRequest(t.kind, outcome, time.Since(t.start))
}
