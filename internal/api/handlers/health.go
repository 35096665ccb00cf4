// Package handlers provides HTTP request handlers for the API server.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OCWC22/neuralake/internal/api/models"
)

// ReadinessChecker reports whether a backing dependency is reachable.
type ReadinessChecker func(ctx context.Context) error

// HealthHandler handles health check requests.
type HealthHandler struct {
	checks map[string]ReadinessChecker
}

// NewHealthHandler creates a new health handler with named readiness
// checks.
func NewHealthHandler(checks map[string]ReadinessChecker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// GetHealth handles GET /health.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

// GetLiveness handles GET /health/live.
func (h *HealthHandler) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
	})
}

// GetReadiness handles GET /health/ready. The service is ready when
// every registered dependency check passes.
func (h *HealthHandler) GetReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "not_ready",
			"failures":  failures,
			"timestamp": time.Now().UTC(),
		})
		return
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
	})
}
