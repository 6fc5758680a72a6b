package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/marketing/internal/dispatch"
	"example.com/backstage/services/marketing/internal/metrics"
)

// MetricsHandler exposes collected metrics and queue introspection
type MetricsHandler struct {
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, dispatcher *dispatch.Dispatcher) *MetricsHandler {
	return &MetricsHandler{metrics: m, dispatcher: dispatcher}
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/queue-status", h.HandleGetQueueStatus)
}

// HandleGetMetrics returns all collected metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	snapshot := h.metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": snapshot.UptimeSeconds,
		"goroutines":     runtime.NumGoroutine(),
		"counters":       snapshot.Counters,
		"timers":         snapshot.Timers,
	})
}

// HandleGetQueueStatus returns approximate depths of the task queue and
// the durable long-delay store. Counts are a sampled snapshot, not a
// consistent read.
func (h *MetricsHandler) HandleGetQueueStatus(c *gin.Context) {
	status, err := h.dispatcher.QueueStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
