package utils

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// ParseLimit reads ?limit= clamped to 1..max, defaulting to def
func ParseLimit(c *gin.Context, def, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
