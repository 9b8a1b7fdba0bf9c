package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/gateway"
)

type domainResponse struct {
	Domain string `json:"domain"`
}

// Domain returns a handler for GET /api/v1/domain, reporting the Gateway's
// current origin host.
func Domain(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, domainResponse{Domain: gw.CurrentDomain()})
	}
}
