// Package handler implements the optional HTTP façade's route handlers,
// translating between JSON requests and gateway.Gateway's public API.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/internal/gatewayerr"
)

// ErrorDetail is the structured error shape every façade response uses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError writes a failure response, mapping a gatewayerr.Code to an
// HTTP status.
func respondError(c *gin.Context, err error) {
	code, status := classify(err)
	c.JSON(status, gin.H{
		"success": false,
		"error":   ErrorDetail{Code: code, Message: err.Error()},
	})
}

func classify(err error) (string, int) {
	var gwErr *gatewayerr.Error
	if !errors.As(err, &gwErr) {
		return string(gatewayerr.CodeInternal), http.StatusInternalServerError
	}
	switch gwErr.Code {
	case gatewayerr.CodeNotInitialized:
		return string(gwErr.Code), http.StatusServiceUnavailable
	case gatewayerr.CodeBrowserUnavailable:
		return string(gwErr.Code), http.StatusServiceUnavailable
	case gatewayerr.CodeChallengeUnsolvable, gatewayerr.CodeVerificationFailed, gatewayerr.CodeNetwork, gatewayerr.CodeParse:
		return string(gwErr.Code), http.StatusBadGateway
	case gatewayerr.CodeCancelled:
		return string(gwErr.Code), http.StatusRequestTimeout
	default:
		return string(gwErr.Code), http.StatusInternalServerError
	}
}

func respondInvalidInput(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   ErrorDetail{Code: "INVALID_INPUT", Message: err.Error()},
	})
}
