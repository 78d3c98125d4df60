package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mossy-p/callrelay/internal/auth"
	"github.com/mossy-p/callrelay/internal/directory"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/middleware"
)

// Service is what the HTTP layer needs from the signaling service.
type Service interface {
	Relay
	PresenceLister
}

type RouterConfig struct {
	AllowedOrigins []string
	Hub            *Hub
	Service        Service
	Verifier       directory.CredentialVerifier
	Issuer         *auth.Issuer
	Gatherer       prometheus.Gatherer
	Signaling      SignalingOptions
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": cfg.Hub.Len()})
	})

	// WebSocket signaling endpoint
	router.GET("/ws", HandleSignaling(cfg.Hub, cfg.Service, cfg.Signaling))

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.Verifier, cfg.Issuer))

		// Directory with presence (requires JWT)
		apiGroup.GET("/users", middleware.JWTAuth(cfg.Issuer), ListUsers(cfg.Service))
	}

	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler(cfg.Gatherer)))
	}

	return router
}
