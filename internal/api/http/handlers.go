package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
)

// Version of the worker server
const Version = "1.0.0"

// Handlers serves the worker server's plain HTTP endpoints
type Handlers struct {
	metrics  *monitoring.Metrics
	codec    string
	sessions func() int
}

// NewHandlers creates the handlers. sessions reports the number of live
// sandbox connections.
func NewHandlers(metrics *monitoring.Metrics, codec string, sessions func() int) *Handlers {
	return &Handlers{
		metrics:  metrics,
		codec:    codec,
		sessions: sessions,
	}
}

// Root describes the service
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "sandbox-worker",
		"version": Version,
		"codec":   h.codec,
		"endpoints": gin.H{
			"sandbox": "/sandbox",
			"health":  "/health",
			"metrics": "/metrics",
		},
	})
}

// Health reports liveness along with summary metrics
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": h.sessions(),
		"metrics":  h.metrics.Snapshot(),
	})
}

// Metrics serves Prometheus metrics
func (h *Handlers) Metrics(c *gin.Context) {
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
