package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/errors"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/utils"
)

// ListAuditLogs returns recent operator actions, optionally filtered by action
func (h *Handler) ListAuditLogs(c *gin.Context) {
	limit := utils.ParseLimit(c, 50, 200)

	entries, err := h.audit.Recent(c.Request.Context(), c.Query("action"), int64(limit))
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries, "count": len(entries), "limit": limit})
}
