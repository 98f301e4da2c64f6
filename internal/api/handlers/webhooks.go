package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/errors"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/webhook"
)

// ExotelWebhookPayload is Exotel's status callback
type ExotelWebhookPayload struct {
	CallSid      string `json:"CallSid" form:"CallSid"`
	From         string `json:"From" form:"From"`
	To           string `json:"To" form:"To"`
	Direction    string `json:"Direction" form:"Direction"`
	Status       string `json:"Status" form:"Status"`
	StartTime    string `json:"StartTime" form:"StartTime"`
	EndTime      string `json:"EndTime" form:"EndTime"`
	Duration     string `json:"Duration" form:"Duration"`
	RecordingUrl string `json:"RecordingUrl" form:"RecordingUrl"`
}

// providerStatus maps Exotel's terminal statuses onto call statuses
func providerStatus(status string) (session.Status, bool) {
	switch strings.ToLower(status) {
	case "completed":
		return session.StatusCompleted, true
	case "no-answer", "busy", "canceled", "cancelled":
		return session.StatusMissed, true
	case "failed":
		return session.StatusFailed, true
	}
	return "", false
}

// ExotelWebhook records status callbacks and ends calls Exotel reports as
// finished while their stream is still open
func (h *Handler) ExotelWebhook(c *gin.Context) {
	var payload ExotelWebhookPayload
	if err := c.ShouldBind(&payload); err != nil {
		errors.BadRequest(c, "invalid payload")
		return
	}
	if payload.CallSid == "" {
		errors.BadRequest(c, "CallSid is required")
		return
	}

	if secret := h.cfg.ExotelWebhookSecret; secret != "" {
		if err := webhook.VerifyExotelSignature(secret, c.Request.PostForm, c.GetHeader(webhook.SignatureHeader)); err != nil {
			h.logger.Warn("Rejected webhook with bad signature", zap.String("call_sid", payload.CallSid))
			errors.Unauthorized(c, "invalid signature")
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	first, err := h.dedup.First(ctx, payload.CallSid+":"+payload.Status)
	if err != nil {
		h.logger.Warn("Webhook dedup unavailable", zap.Error(err))
	}
	if err == nil && !first {
		c.JSON(http.StatusOK, gin.H{"message": "duplicate ignored"})
		return
	}

	h.logger.Info("Exotel status callback",
		zap.String("call_sid", payload.CallSid),
		zap.String("status", payload.Status),
		logger.MaskPhoneIfPresent("from", payload.From),
	)

	if h.callLog != nil {
		if err := h.callLog.RecordProviderStatus(ctx, payload.CallSid, payload.Status, payload.RecordingUrl); err != nil {
			h.logger.Error("Failed to record provider status", zap.Error(err), zap.String("call_sid", payload.CallSid))
		}
	}

	if status, terminal := providerStatus(payload.Status); terminal {
		if _, live := h.orchestrator.Get(payload.CallSid); live {
			if err := h.orchestrator.EndCall(ctx, payload.CallSid, status, "provider_"+strings.ToLower(payload.Status)); err != nil {
				h.logger.Error("Failed to end call from webhook", zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook processed"})
}
