package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health is the body of the liveness and readiness endpoints.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// GetLiveness handles GET /healthz.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, Health{Status: "ok"})
}

// GetReadiness handles GET /readyz.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string, len(s.checks))
	allHealthy := true

	for name, p := range s.checks {
		if err := p.Ping(c.Request.Context()); err != nil {
			checks[name] = "error"
			allHealthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, Health{
		Status: status,
		Checks: checks,
	})
}
