package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/gateway"
)

type invalidateRequest struct {
	Reason string `json:"reason"`
}

// Invalidate returns a handler for POST /api/v1/invalidate, the façade's
// equivalent of Gateway.InvalidateSession.
func Invalidate(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req invalidateRequest
		_ = c.ShouldBindJSON(&req) // body is optional; an empty reason is fine

		gw.InvalidateSession(req.Reason)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
