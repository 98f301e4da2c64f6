package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) GetMetrics(c *gin.Context) {
	data := h.metrics.GetMetrics()
	if h.orchestrator != nil {
		data["calls"] = h.orchestrator.Stats()
	}
	if h.fillers != nil {
		data["fillers"] = h.fillers.Stats()
	}
	c.JSON(http.StatusOK, data)
}

func (h *Handler) GetPrometheusMetrics(c *gin.Context) {
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
