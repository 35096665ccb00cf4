package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/OCWC22/neuralake/internal/api/models"
)

// VersionHandler handles version requests.
type VersionHandler struct {
	version string
}

// NewVersionHandler creates a new version handler.
func NewVersionHandler(version string) *VersionHandler {
	return &VersionHandler{version: version}
}

// GetVersion handles GET /api/v1/version.
func (h *VersionHandler) GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, models.VersionResponse{
		Version:    h.version,
		APIVersion: "v1",
		GoVersion:  runtime.Version(),
	})
}
