// Package api is the optional HTTP façade exposing gateway.Gateway's public
// API to out-of-process callers. gateway.Gateway has zero dependency on
// this package; the façade is purely additive.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/cdngateway/api/handler"
	"github.com/use-agent/cdngateway/api/middleware"
	"github.com/use-agent/cdngateway/config"
	"github.com/use-agent/cdngateway/gateway"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health endpoint is intentionally outside auth so monitoring probes always work.
func NewRouter(gw *gateway.Gateway, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	// Health — no auth required.
	v1.GET("/health", handler.Health(gw, startTime))

	// Protected group — auth + rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(cfg.RateLimit))

	protected.POST("/document", handler.Document(gw))
	protected.POST("/post", handler.Post(gw))
	protected.POST("/sniff", handler.Sniff(gw))
	protected.POST("/invalidate", handler.Invalidate(gw))
	protected.GET("/domain", handler.Domain(gw))

	return r
}
