package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audit"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/errors"
)

// ListBreakers returns the state of every dependency breaker
func (h *Handler) ListBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.breakers.Stats()})
}

// ResetBreaker forces a breaker closed
func (h *Handler) ResetBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := h.breakers.Reset(name); err != nil {
		errors.NotFound(c, err.Error())
		return
	}

	actor := operator(c.GetHeader("X-Operator"), c.ClientIP())
	if err := h.audit.Log(c.Request.Context(), actor, audit.ActionBreakerReset, "breaker", name, nil); err != nil {
		h.logger.Warn("Failed to write audit entry", zap.Error(err))
	}
	h.logger.Info("Breaker reset by operator", zap.String("breaker", name), zap.String("actor", actor))

	cb, _ := h.breakers.Lookup(name)
	c.JSON(http.StatusOK, cb.GetStats())
}
