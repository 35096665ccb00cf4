package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OCWC22/neuralake/internal/api/services"
	"github.com/OCWC22/neuralake/internal/catalog"
	"github.com/OCWC22/neuralake/internal/config"
	"github.com/OCWC22/neuralake/internal/lake/lock"
	"github.com/OCWC22/neuralake/internal/lake/objectstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Version:     "test",
		Environment: "test",
		API: config.APIConfig{
			ListenAddr:     ":0",
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			RateLimitRPS:   1000,
			RateLimitBurst: 1000,
		},
		Store: config.StoreConfig{
			BasePath:  "tables",
			LeaseTTL:  time.Minute,
			LeaseWait: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     5,
				InitialInterval: time.Millisecond,
				MaxInterval:     10 * time.Millisecond,
				Multiplier:      2.0,
			},
		},
		Maintenance: config.MaintenanceConfig{
			VacuumRetention: 168 * time.Hour,
		},
	}

	registry := catalog.NewRegistry(catalog.Options{})
	cat := catalog.New(registry, nil)
	lakeService := services.NewLakeService(
		objectstore.NewMemoryStore(), lock.NewMemoryProvider(), cat, cfg.Store, nil)

	serverCfg := DefaultServerConfig(cfg, nil)
	serverCfg.Lake = lakeService
	return NewServer(serverCfg)
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		w := doJSON(t, server, http.MethodGet, path, nil)
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
	}
}

func TestVersionEndpoint(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodGet, "/api/v1/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/version = %d, want 200", w.Code)
	}

	var resp map[string]any
	decodeBody(t, w, &resp)
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestTableLifecycle(t *testing.T) {
	server := newTestServer(t)

	// Create.
	w := doJSON(t, server, http.MethodPost, "/api/v1/tables", map[string]any{
		"name":        "events",
		"description": "test events",
		"rows": []map[string]any{
			{"id": 1, "name": "a"},
			{"id": 2, "name": "b"},
			{"id": 3, "name": "c"},
		},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}

	// Listed in the catalog.
	w = doJSON(t, server, http.MethodGet, "/api/v1/tables", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list struct {
		Items []map[string]any `json:"items"`
		Total int              `json:"total"`
	}
	decodeBody(t, w, &list)
	if list.Total != 1 || list.Items[0]["name"] != "events" {
		t.Errorf("list = %+v", list)
	}

	// Described listing carries the live schema.
	w = doJSON(t, server, http.MethodGet, "/api/v1/tables?describe=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("described list = %d", w.Code)
	}
	var described struct {
		Items []struct {
			Name        string `json:"name"`
			SchemaKnown bool   `json:"schema_known"`
		} `json:"items"`
	}
	decodeBody(t, w, &described)
	if len(described.Items) != 1 || !described.Items[0].SchemaKnown {
		t.Errorf("described list = %+v", described.Items)
	}

	// Append.
	w = doJSON(t, server, http.MethodPost, "/api/v1/tables/events/rows", map[string]any{
		"rows": []map[string]any{{"id": 4, "name": "d"}, {"id": 5, "name": "e"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("append = %d: %s", w.Code, w.Body.String())
	}
	var commit struct {
		Version int64 `json:"version"`
	}
	decodeBody(t, w, &commit)
	if commit.Version != 1 {
		t.Errorf("append version = %d, want 1", commit.Version)
	}

	// Query latest.
	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/events/rows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query = %d: %s", w.Code, w.Body.String())
	}
	var page struct {
		Rows  []map[string]any `json:"rows"`
		Count int              `json:"count"`
	}
	decodeBody(t, w, &page)
	if page.Count != 5 {
		t.Errorf("query count = %d, want 5", page.Count)
	}

	// Time travel to version 0.
	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/events/rows?version=0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("time-travel query = %d: %s", w.Code, w.Body.String())
	}
	decodeBody(t, w, &page)
	if page.Count != 3 {
		t.Errorf("version 0 count = %d, want 3", page.Count)
	}

	// History.
	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/events/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	var history struct {
		Items []map[string]any `json:"items"`
	}
	decodeBody(t, w, &history)
	if len(history.Items) != 2 {
		t.Errorf("history entries = %d, want 2", len(history.Items))
	}

	// Stats.
	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/events/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}

	// Export.
	w = doJSON(t, server, http.MethodGet, "/api/v1/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d", w.Code)
	}
	var export struct {
		TotalTables int                       `json:"total_tables"`
		Tables      map[string]map[string]any `json:"tables"`
	}
	decodeBody(t, w, &export)
	if export.TotalTables != 1 {
		t.Errorf("export total_tables = %d, want 1", export.TotalTables)
	}
	meta, ok := export.Tables["events"]
	if !ok {
		t.Fatalf("export missing events: %v", export.Tables)
	}
	if meta["schema"] == nil {
		t.Errorf("export entry has no declared schema: %v", meta)
	}
}

func TestCreateConflict(t *testing.T) {
	server := newTestServer(t)

	body := map[string]any{
		"name": "dup",
		"rows": []map[string]any{{"id": 1}},
	}
	if w := doJSON(t, server, http.MethodPost, "/api/v1/tables", body); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	if w := doJSON(t, server, http.MethodPost, "/api/v1/tables", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestUnknownTable(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodGet, "/api/v1/tables/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("describe unknown = %d, want 404", w.Code)
	}

	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/ghost/rows", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("query unknown = %d, want 404", w.Code)
	}
}

func TestSchemaEvolutionEndpoint(t *testing.T) {
	server := newTestServer(t)

	if w := doJSON(t, server, http.MethodPost, "/api/v1/tables", map[string]any{
		"name": "evolving",
		"rows": []map[string]any{{"id": 1}},
	}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}

	w := doJSON(t, server, http.MethodPost, "/api/v1/tables/evolving/schema", map[string]any{
		"columns": []map[string]any{{"name": "score", "type": "float64"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("evolve = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/evolving", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("describe = %d", w.Code)
	}
	var desc struct {
		SchemaKnown bool `json:"schema_known"`
		Columns     []struct {
			Name string `json:"name"`
		} `json:"columns"`
	}
	decodeBody(t, w, &desc)
	if !desc.SchemaKnown || len(desc.Columns) != 2 {
		t.Errorf("describe after evolve = %+v", desc)
	}

	// Retypes are rejected.
	w = doJSON(t, server, http.MethodPost, "/api/v1/tables/evolving/schema", map[string]any{
		"columns": []map[string]any{{"name": "score", "type": "string"}},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("retype = %d, want 409", w.Code)
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	server := newTestServer(t)

	if w := doJSON(t, server, http.MethodPost, "/api/v1/tables", map[string]any{
		"name": "maint",
		"rows": []map[string]any{{"id": 1}},
	}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	for i := 2; i <= 3; i++ {
		w := doJSON(t, server, http.MethodPost, "/api/v1/tables/maint/rows", map[string]any{
			"rows": []map[string]any{{"id": i}},
		})
		if w.Code != http.StatusOK {
			t.Fatalf("append %d = %d", i, w.Code)
		}
	}

	w := doJSON(t, server, http.MethodPost, "/api/v1/tables/maint/compact", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("compact = %d: %s", w.Code, w.Body.String())
	}
	var compact struct {
		Compacted   bool `json:"compacted"`
		FilesBefore int  `json:"files_before"`
		FilesAfter  int  `json:"files_after"`
	}
	decodeBody(t, w, &compact)
	if !compact.Compacted || compact.FilesAfter != 1 {
		t.Errorf("compact = %+v", compact)
	}

	w = doJSON(t, server, http.MethodPost, "/api/v1/tables/maint/vacuum", map[string]any{
		"horizon": 4,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("vacuum = %d: %s", w.Code, w.Body.String())
	}
	var vacuum struct {
		Deleted []string `json:"deleted"`
	}
	decodeBody(t, w, &vacuum)
	if len(vacuum.Deleted) != 3 {
		t.Errorf("vacuum deleted %v, want the 3 compacted inputs", vacuum.Deleted)
	}

	// Rows survive maintenance.
	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/maint/rows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query = %d", w.Code)
	}
	var page struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &page)
	if page.Count != 3 {
		t.Errorf("rows after maintenance = %d, want 3", page.Count)
	}
}

func TestRequestIDHeader(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodGet, "/health", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestOverwriteMode(t *testing.T) {
	server := newTestServer(t)

	if w := doJSON(t, server, http.MethodPost, "/api/v1/tables", map[string]any{
		"name": "ow",
		"rows": []map[string]any{{"id": 1}, {"id": 2}},
	}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}

	w := doJSON(t, server, http.MethodPost, "/api/v1/tables/ow/rows", map[string]any{
		"mode": "overwrite",
		"rows": []map[string]any{{"id": 99}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("overwrite = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, server, http.MethodGet, "/api/v1/tables/ow/rows", nil)
	var page struct {
		Rows []map[string]any `json:"rows"`
	}
	decodeBody(t, w, &page)
	if len(page.Rows) != 1 || fmt.Sprint(page.Rows[0]["id"]) != "99" {
		t.Errorf("rows after overwrite = %v", page.Rows)
	}

	// Bad mode is rejected.
	w = doJSON(t, server, http.MethodPost, "/api/v1/tables/ow/rows", map[string]any{
		"mode": "truncate",
		"rows": []map[string]any{{"id": 1}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad mode = %d, want 400", w.Code)
	}
}
