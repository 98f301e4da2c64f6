package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const problemBase = "https://nexus-miracle.sa/problems"

var problemTypes = map[int]string{
	http.StatusBadRequest:          "/bad-request",
	http.StatusUnauthorized:        "/unauthorized",
	http.StatusNotFound:            "/not-found",
	http.StatusConflict:            "/conflict",
	http.StatusTooManyRequests:     "/rate-limit-exceeded",
	http.StatusInternalServerError: "/internal-error",
	http.StatusBadGateway:          "/upstream-error",
	http.StatusServiceUnavailable:  "/service-unavailable",
}

// ProblemDetail is an RFC 7807 body. CallID is set on routes scoped to a call.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ErrorResponse aborts the request with a problem+json body
func ErrorResponse(c *gin.Context, status int, title, detail string) {
	traceID := c.GetString("trace_id")
	if traceID == "" {
		traceID = c.GetString("request_id")
	}
	callID := c.Param("call_sid")
	if callID == "" {
		callID = c.Query("call_sid")
	}

	kind, ok := problemTypes[status]
	if !ok {
		kind = "/error"
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(status, ProblemDetail{
		Type:     problemBase + kind,
		Title:    title,
		Status:   status,
		Detail:   detail,
		TraceID:  traceID,
		CallID:   callID,
		Instance: c.Request.URL.Path,
	})
}

// InternalError logs err and answers 500 without leaking it
func InternalError(c *gin.Context, err error, logger *zap.Logger) {
	logger.Error("Internal server error",
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("trace_id", c.GetString("trace_id")),
	)
	ErrorResponse(c, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

func BadRequest(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusBadRequest, "Bad Request", detail)
}

func Unauthorized(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusUnauthorized, "Unauthorized", detail)
}

func NotFound(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusNotFound, "Not Found", detail)
}

func Conflict(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusConflict, "Conflict", detail)
}

// BadGateway reports a failed call to the telephony or AI providers
func BadGateway(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusBadGateway, "Bad Gateway", detail)
}

// ServiceUnavailable is used when the orchestrator is at capacity or a
// backing store is not configured
func ServiceUnavailable(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusServiceUnavailable, "Service Unavailable", detail)
}

func TooManyRequests(c *gin.Context, detail string) {
	ErrorResponse(c, http.StatusTooManyRequests, "Too Many Requests", detail)
}
