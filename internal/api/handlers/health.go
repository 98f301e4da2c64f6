package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Services    map[string]string `json:"services"`
	Breakers    map[string]string `json:"breakers"`
	ActiveCalls int               `json:"active_calls"`
	Capacity    int64             `json:"capacity"`
}

// HealthCheck reports backing services and dependency breakers. An open
// breaker or an unreachable store degrades the status; the code stays 200.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	services := map[string]string{
		"api":      "healthy",
		"database": "unconfigured",
		"redis":    "unconfigured",
	}

	if h.redisClient != nil {
		if err := h.redisClient.Ping(ctx).Err(); err != nil {
			services["redis"] = "unhealthy"
		} else {
			services["redis"] = "healthy"
		}
	}

	if h.mongoClient != nil {
		if err := h.mongoClient.Ping(ctx); err != nil {
			services["database"] = "unhealthy"
		} else {
			services["database"] = "healthy"
		}
	}

	overallStatus := "healthy"
	for _, status := range services {
		if status == "unhealthy" {
			overallStatus = "degraded"
			break
		}
	}

	breakers := map[string]string{}
	if h.breakers != nil {
		for _, s := range h.breakers.Stats() {
			breakers[s.Name] = s.State
			if s.State != "closed" {
				overallStatus = "degraded"
			}
		}
	}

	resp := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().Format(time.RFC3339),
		Services:  services,
		Breakers:  breakers,
	}
	if h.orchestrator != nil {
		stats := h.orchestrator.Stats()
		resp.ActiveCalls = stats.Active
		resp.Capacity = stats.Capacity
	}
	c.JSON(http.StatusOK, resp)
}
