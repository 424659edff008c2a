package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleHealth implements GET /health: a liveness/readiness
// probe aggregating every dependency each component has reported into
// the shared HealthRegistry. Any unhealthy component downgrades the
// response to 503 so an orchestrator can stop routing traffic here.
func (s *Server) handleHealth(c *gin.Context) {
	components, healthy := s.health.Snapshot()

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{"status": overall, "components": components})
}
