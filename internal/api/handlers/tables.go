package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OCWC22/neuralake/internal/api/models"
	"github.com/OCWC22/neuralake/internal/api/services"
	"github.com/OCWC22/neuralake/internal/catalog"
	"github.com/OCWC22/neuralake/internal/frame"
	"github.com/OCWC22/neuralake/internal/lake"
)

// TableHandler handles table catalog and data requests.
type TableHandler struct {
	lake             *services.LakeService
	defaultRetention time.Duration
}

// NewTableHandler creates a new table handler.
func NewTableHandler(lakeService *services.LakeService, defaultRetention time.Duration) *TableHandler {
	return &TableHandler{lake: lakeService, defaultRetention: defaultRetention}
}

// Register registers table routes on a router group.
func (h *TableHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/tables", h.List)
	rg.POST("/tables", h.Create)
	rg.GET("/tables/:name", h.Describe)
	rg.GET("/tables/:name/rows", h.QueryRows)
	rg.POST("/tables/:name/rows", h.WriteRows)
	rg.POST("/tables/:name/schema", h.EvolveSchema)
	rg.GET("/tables/:name/history", h.History)
	rg.GET("/tables/:name/stats", h.Stats)
	rg.POST("/tables/:name/compact", h.Compact)
	rg.POST("/tables/:name/vacuum", h.Vacuum)
	rg.GET("/export", h.Export)
}

// List handles GET /api/v1/tables. An optional kind query parameter
// filters by table kind; describe=true probes every table for its live
// schema.
func (h *TableHandler) List(c *gin.Context) {
	if c.Query("describe") == "true" {
		descs := h.lake.Catalog().DescribeAll(c.Request.Context())
		c.JSON(http.StatusOK, models.ListResponse[catalog.Description]{
			Items: descs,
			Total: len(descs),
		})
		return
	}

	var kinds []catalog.TableKind
	if kind := c.Query("kind"); kind != "" {
		kinds = append(kinds, catalog.TableKind(kind))
	}
	metas := h.lake.Catalog().Registry().List(kinds...)
	c.JSON(http.StatusOK, models.ListResponse[catalog.TableMetadata]{
		Items: metas,
		Total: len(metas),
	})
}

// Describe handles GET /api/v1/tables/:name.
func (h *TableHandler) Describe(c *gin.Context) {
	desc, err := h.lake.Catalog().Describe(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, desc)
}

// Create handles POST /api/v1/tables.
func (h *TableHandler) Create(c *gin.Context) {
	var req models.CreateTableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, err.Error()))
		return
	}

	columns, err := parseColumns(req.Columns)
	if err != nil {
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, err.Error()))
		return
	}

	version, err := h.lake.CreateTable(c.Request.Context(), services.CreateTableParams{
		Name:        req.Name,
		Description: req.Description,
		Owner:       req.Owner,
		Tags:        req.Tags,
		Rows:        toFrameRows(req.Rows),
		Columns:     columns,
		PartitionBy: req.PartitionBy,
		Overwrite:   req.Overwrite,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.CommitResponse{Table: req.Name, Version: version})
}

// QueryRows handles GET /api/v1/tables/:name/rows.
func (h *TableHandler) QueryRows(c *gin.Context) {
	name := c.Param("name")

	spec := services.QuerySpec{Limit: 1000}
	if cols := c.Query("columns"); cols != "" {
		spec.Columns = strings.Split(cols, ",")
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, "invalid limit"))
			return
		}
		spec.Limit = n
	}
	if v := c.Query("version"); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, "invalid version"))
			return
		}
		spec.Version = &version
	}
	if asOf := c.Query("as_of"); asOf != "" {
		t, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, "as_of must be RFC 3339"))
			return
		}
		spec.AsOf = &t
	}

	rows, cols, err := h.lake.Query(c.Request.Context(), name, spec)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.RowsResponse{
		Table:   name,
		Columns: cols,
		Rows:    fromFrameRows(rows),
		Count:   len(rows),
	})
}

// WriteRows handles POST /api/v1/tables/:name/rows.
func (h *TableHandler) WriteRows(c *gin.Context) {
	name := c.Param("name")

	var req models.WriteRowsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, err.Error()))
		return
	}

	var version int64
	var err error
	switch req.Mode {
	case "", "append":
		version, err = h.lake.Append(c.Request.Context(), name, toFrameRows(req.Rows))
	case "overwrite":
		version, err = h.lake.Overwrite(c.Request.Context(), name, toFrameRows(req.Rows))
	default:
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, "mode must be append or overwrite"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CommitResponse{Table: name, Version: version})
}

// EvolveSchema handles POST /api/v1/tables/:name/schema.
func (h *TableHandler) EvolveSchema(c *gin.Context) {
	name := c.Param("name")

	var req models.EvolveSchemaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, err.Error()))
		return
	}

	columns, err := parseColumns(req.Columns)
	if err != nil {
		models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, err.Error()))
		return
	}

	version, err := h.lake.EvolveSchema(c.Request.Context(), name, columns)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.CommitResponse{Table: name, Version: version})
}

// History handles GET /api/v1/tables/:name/history.
func (h *TableHandler) History(c *gin.Context) {
	summaries, err := h.lake.History(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ListResponse[lake.EntrySummary]{
		Items: summaries,
		Total: len(summaries),
	})
}

// Stats handles GET /api/v1/tables/:name/stats.
func (h *TableHandler) Stats(c *gin.Context) {
	stats, err := h.lake.Stats(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Compact handles POST /api/v1/tables/:name/compact.
func (h *TableHandler) Compact(c *gin.Context) {
	result, err := h.lake.Compact(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Vacuum handles POST /api/v1/tables/:name/vacuum.
func (h *TableHandler) Vacuum(c *gin.Context) {
	name := c.Param("name")

	var req models.VacuumRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, err.Error()))
			return
		}
	}

	retention := h.defaultRetention
	if req.Retention != "" {
		d, err := time.ParseDuration(req.Retention)
		if err != nil {
			models.RespondWithError(c, models.NewBadRequestError(c.Request.URL.Path, "invalid retention duration"))
			return
		}
		retention = d
	}

	result, err := h.lake.Vacuum(c.Request.Context(), name, req.Horizon, retention)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Export handles GET /api/v1/export: the machine-readable catalog index.
func (h *TableHandler) Export(c *gin.Context) {
	c.JSON(http.StatusOK, h.lake.Catalog().ExportMetadata())
}

// respondError maps domain errors to problem-details responses.
func respondError(c *gin.Context, err error) {
	instance := c.Request.URL.Path
	switch {
	case errors.Is(err, lake.ErrTableNotFound), errors.Is(err, lake.ErrVersionNotFound):
		models.RespondWithError(c, models.NewNotFoundError(instance, err.Error()))
	case errors.Is(err, lake.ErrTableExists), errors.Is(err, lake.ErrSchemaConflict),
		errors.Is(err, lake.ErrCommitConflict), errors.Is(err, lake.ErrLockTimeout):
		models.RespondWithError(c, models.NewConflictError(instance, err.Error()))
	case errors.Is(err, lake.ErrBadTableKind):
		models.RespondWithError(c, models.NewBadRequestError(instance, err.Error()))
	default:
		models.RespondWithError(c, models.NewInternalError(instance, err.Error()))
	}
}

func parseColumns(specs []models.ColumnSpec) ([]lake.Column, error) {
	columns := make([]lake.Column, 0, len(specs))
	for _, spec := range specs {
		colType, err := lake.ParseColumnType(spec.Type)
		if err != nil {
			return nil, err
		}
		columns = append(columns, lake.Column{
			Name:     spec.Name,
			Type:     colType,
			Nullable: spec.Nullable,
		})
	}
	return columns, nil
}

func toFrameRows(rows []map[string]any) []frame.Row {
	result := make([]frame.Row, len(rows))
	for i, row := range rows {
		result[i] = frame.Row(row)
	}
	return result
}

func fromFrameRows(rows []frame.Row) []map[string]any {
	result := make([]map[string]any, len(rows))
	for i, row := range rows {
		result[i] = map[string]any(row)
	}
	return result
}
