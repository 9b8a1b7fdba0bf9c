package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/gateway"
)

type documentRequest struct {
	URL          string            `json:"url" binding:"required"`
	CheckDomain  bool              `json:"check_domain"`
	ExtraHeaders map[string]string `json:"extra_headers"`
}

type documentResponse struct {
	Success  bool   `json:"success"`
	Title    string `json:"title,omitempty"`
	HTML     string `json:"html,omitempty"`
	FinalURL string `json:"final_url,omitempty"`
}

// Document returns a handler for POST /api/v1/document, the façade's
// equivalent of Gateway.GetDocument.
func Document(gw *gateway.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req documentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondInvalidInput(c, err)
			return
		}

		doc, err := gw.GetDocument(c.Request.Context(), req.URL, gateway.DocumentOptions{
			CheckDomain:  req.CheckDomain,
			ExtraHeaders: req.ExtraHeaders,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, documentResponse{
			Success:  true,
			Title:    doc.Title(),
			HTML:     doc.Raw(),
			FinalURL: doc.FinalURL(),
		})
	}
}
