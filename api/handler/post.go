package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/gateway"
)

type postRequest struct {
	URL      string            `json:"url" binding:"required"`
	FormData map[string]string `json:"form_data"`
	Headers  map[string]string `json:"headers"`
}

type postResponse struct {
	Success bool   `json:"success"`
	Body    string `json:"body"`
}

// Post returns a handler for POST /api/v1/post, the façade's equivalent of
// Gateway.Post.
func Post(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req postRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalidInput(c, err)
			return
		}

		body, err := gw.Post(c.Request.Context(), req.URL, req.FormData, req.Headers)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, postResponse{Success: true, Body: body})
	}
}
