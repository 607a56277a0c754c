package app

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gnt-shepherd.io/shepherd/internal/api/handlers"
	"gnt-shepherd.io/shepherd/internal/api/middleware"
	"gnt-shepherd.io/shepherd/internal/config"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

// defaultAllowedOrigins applies when no origin is configured.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

func newRouter(cfg *config.Config, server *handlers.Server, reg *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())

	router.GET("/healthz", server.GetLiveness)
	router.GET("/readyz", server.GetReadiness)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	router.GET("/log/level", gin.WrapH(logger.HTTPHandler()))
	router.PUT("/log/level", gin.WrapH(logger.HTTPHandler()))

	server.Register(router.Group("/api/v1", cors.New(buildCORSConfig(cfg))))
	return router
}

// buildCORSConfig drops a "*" origin unless the unsafe flag is set, in
// which case credentials are disabled.
func buildCORSConfig(cfg *config.Config) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, middleware.RequestIDHeader, handlers.ActorHeader)
	c.ExposeHeaders = []string{middleware.RequestIDHeader}

	wildcard := false
	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, origin := range cfg.Server.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, origin)
		}
	}

	if wildcard && cfg.Server.UnsafeAllowAllOrigins {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
		return c
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}
	c.AllowOrigins = origins
	c.AllowCredentials = cfg.Server.AllowCredentials
	return c
}
