package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/calllog"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audit"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/errors"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/exotel"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/utils"
)

// ListActiveCalls returns a snapshot of every live call
func (h *Handler) ListActiveCalls(c *gin.Context) {
	active := h.orchestrator.Active()
	stats := h.orchestrator.Stats()
	c.JSON(http.StatusOK, gin.H{
		"data":     active,
		"count":    len(active),
		"capacity": stats.Capacity,
	})
}

// ListCalls returns calls from the call log, newest first.
// Supports ?status= and ?since= (RFC 3339).
func (h *Handler) ListCalls(c *gin.Context) {
	if h.callLog == nil {
		errors.ServiceUnavailable(c, "call log is not configured")
		return
	}
	q := calllog.Query{
		Status: c.Query("status"),
		Limit:  int64(utils.ParseLimit(c, 20, 100)),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			errors.BadRequest(c, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = t
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	calls, err := h.callLog.Recent(ctx, q)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": calls, "count": len(calls), "limit": q.Limit})
}

// GetCall returns the live view of a call, or its stored record once ended
func (h *Handler) GetCall(c *gin.Context) {
	callSID := c.Param("call_sid")

	if p, ok := h.orchestrator.Get(callSID); ok {
		sess := p.Session()
		c.JSON(http.StatusOK, gin.H{
			"live":     true,
			"state":    p.State().String(),
			"call":     sess.Snapshot(),
			"history":  sess.History(),
			"switches": sess.PersonaSwitches(),
			"errors":   sess.Errors(),
		})
		return
	}

	if h.callLog == nil {
		errors.NotFound(c, "call not found")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	call, err := h.callLog.Get(ctx, callSID)
	if err != nil || call == nil {
		errors.NotFound(c, "call not found")
		return
	}
	call["live"] = false
	c.JSON(http.StatusOK, call)
}

// GetRecording redirects to the provider's recording of a finished call.
// The call log is consulted first, then the telephony API.
func (h *Handler) GetRecording(c *gin.Context) {
	callSID := c.Param("call_sid")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if h.callLog != nil {
		if call, err := h.callLog.Get(ctx, callSID); err == nil && call != nil {
			if u, ok := call["recording_url"].(string); ok && u != "" {
				c.Redirect(http.StatusFound, u)
				return
			}
		}
	}

	if h.telephony != nil {
		details, err := h.telephony.GetCall(ctx, callSID)
		if err == nil && details.RecordingURL != "" {
			c.Redirect(http.StatusFound, details.RecordingURL)
			return
		}
		if err != nil && !stderrors.Is(err, exotel.ErrNotFound) {
			h.logger.Warn("Telephony recording lookup failed", zap.String("call_sid", callSID), zap.Error(err))
		}
	}

	errors.NotFound(c, "recording not available")
}

// GetProviderCall returns the telephony provider's record of a call leg
func (h *Handler) GetProviderCall(c *gin.Context) {
	if h.telephony == nil {
		errors.ServiceUnavailable(c, "telephony API is not configured")
		return
	}
	callSID := c.Param("call_sid")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	details, err := h.telephony.GetCall(ctx, callSID)
	switch {
	case stderrors.Is(err, exotel.ErrNotFound):
		errors.NotFound(c, "call not found at provider")
		return
	case err != nil:
		h.logger.Warn("Telephony lookup failed", zap.String("call_sid", callSID), zap.Error(err))
		errors.BadGateway(c, "telephony provider lookup failed")
		return
	}

	_, live := h.orchestrator.Get(callSID)
	c.JSON(http.StatusOK, gin.H{"provider": details, "live": live})
}

// HangupCall ends a live call on behalf of an operator
func (h *Handler) HangupCall(c *gin.Context) {
	callSID := c.Param("call_sid")
	if _, ok := h.orchestrator.Get(callSID); !ok {
		errors.NotFound(c, "call is not active")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := h.orchestrator.EndCall(ctx, callSID, session.StatusCompleted, "operator_hangup"); err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}

	actor := operator(c.GetHeader("X-Operator"), c.ClientIP())
	if err := h.audit.Log(ctx, actor, audit.ActionHangup, "call", callSID, nil); err != nil {
		h.logger.Warn("Failed to write audit entry", zap.Error(err))
	}
	h.logger.Info("Call hung up by operator", logger.CallID(callSID), zap.String("actor", actor))

	c.JSON(http.StatusOK, gin.H{"call_sid": callSID, "status": session.StatusCompleted})
}
