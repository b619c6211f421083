package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drawmind/modelmux/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one subsystem's health in the /health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only owned infrastructure is checked;
// provider reachability is deliberately excluded so a provider outage cannot
// make the platform restart this service. A dead cache degrades (limiting
// and sessions fail open) while a dead database is unhealthy: usage rows
// have nowhere to go.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.cache != nil && !s.cache.Available(reqCtx) {
		status = healthStatusDegraded
		checks["cache"] = HealthCheck{Status: healthStatusDegraded, Message: "cache unreachable, limiting and sessions degraded"}
	} else if s.cache != nil {
		checks["cache"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.db != nil {
		if _, err := s.db.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.Full(),
		Checks:  checks,
	})
}

// runHealthCheckHandler handles POST /api/v1/health-check/run: a synchronous
// probe fan-out across every physical model.
func (s *Server) runHealthCheckHandler(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orchestrator not running"})
		return
	}

	statuses := s.health.HealthCheck(c.Request.Context())
	healthy := 0
	for _, st := range statuses {
		if st.Healthy {
			healthy++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy": healthy,
		"total":   len(statuses),
		"models":  statuses,
	})
}
