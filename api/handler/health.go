package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/gateway"
)

type healthResponse struct {
	Status  string `json:"status"`
	Domain  string `json:"domain"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// Health returns a handler for GET /api/v1/health.
func Health(gw *gateway.Gateway, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, healthResponse{
			Status:  "healthy",
			Domain:  gw.CurrentDomain(),
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: "0.1.0",
		})
	}
}
