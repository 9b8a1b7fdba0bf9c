package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/gateway"
	"github.com/use-agent/cdngateway/internal/browserengine"
)

type sniffRequest struct {
	URL      string `json:"url" binding:"required"`
	MinCount int    `json:"min_count"`
	Visible  bool   `json:"visible"`
}

type sniffResponse struct {
	Success bool                       `json:"success"`
	Media   []browserengine.MediaAsset `json:"media"`
}

// Sniff returns a handler for POST /api/v1/sniff, the façade's equivalent of
// Gateway.SniffMedia.
func Sniff(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sniffRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalidInput(c, err)
			return
		}

		media, err := gw.SniffMedia(c.Request.Context(), req.URL, req.MinCount, req.Visible)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, sniffResponse{Success: true, Media: media})
	}
}
