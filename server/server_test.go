package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"stockengine/database"
	"stockengine/internal/config"
)

func newTestServer(t *testing.T) (*Server, *database.StockDB) {
	t.Helper()
	db, err := database.NewStockDB(":memory:")
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Port:         "0",
		DatabasePath: ":memory:",
		ReferenceDir: t.TempDir(),
		Pipeline: config.PipelineConfig{
			Workers:            2,
			FlushEvery:         100,
			FuzzyThreshold:     0.75,
			FuzzyMargin:        0.05,
			StoreRetryAttempts: 1,
		},
	}
	return NewServer(cfg, db), db
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "response is not JSON: %s", w.Body.String())
	return body
}

// waitForTerminalRun polls the run until it leaves pending/running.
func waitForTerminalRun(t *testing.T, s *Server, runID int64) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		w := doRequest(t, s, http.MethodGet, fmt.Sprintf("/api/v1/runs/%d", runID), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeBody(t, w)
		run := body["run"].(map[string]interface{})
		switch run["status"] {
		case database.RunStatusPending, database.RunStatusRunning:
			time.Sleep(20 * time.Millisecond)
		default:
			return body
		}
	}
	t.Fatal("run did not reach a terminal status")
	return nil
}

func writeTestFeed(t *testing.T, rows ...string) string {
	t.Helper()
	content := "Offer ID;Make;Model;Trim;Fuel Type;Gearbox;Body Type;Doors;Seats;Power KW;Engine CC;Price;Monthly Rate;Contract Months;Mileage Limit;Available From\n"
	for _, row := range rows {
		content += row + "\n"
	}
	path := filepath.Join(t.TempDir(), "feed.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"), "no request id header")
}

func TestStartRun_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/runs", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, w.Code, "empty sources accepted")

	body := decodeBody(t, w)
	assert.Equal(t, true, body["error"])
	assert.NotEmpty(t, body["request_id"])
}

func TestStartRun_EndToEnd(t *testing.T) {
	s, db := newTestServer(t)
	feed := writeTestFeed(t,
		"AYV-1;Renault;Clio;TCe 90;Petrol;Manual;Hatchback;5;5;67;999;18500;299;36;15000;")

	w := doRequest(t, s, http.MethodPost, "/api/v1/runs",
		map[string]interface{}{"sources": []string{feed}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	created := decodeBody(t, w)["run"].(map[string]interface{})
	runID := int64(created["id"].(float64))
	require.Greater(t, runID, int64(0))

	body := waitForTerminalRun(t, s, runID)
	run := body["run"].(map[string]interface{})
	require.Equal(t, database.RunStatusSucceeded, run["status"], "run = %v", run)
	assert.Len(t, body["source_statuses"], 1)
	assert.NotEmpty(t, body["vehicle_counts"])

	vehicles, err := db.GetVehiclesByRun(runID)
	require.NoError(t, err)
	assert.Len(t, vehicles, 1)

	// The run shows up in the listing.
	w = doRequest(t, s, http.MethodGet, "/api/v1/runs?status=succeeded", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["total"])
}

func TestGetRun_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/runs/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/v1/runs/zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelRun_NotInFlight(t *testing.T) {
	s, db := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/runs/999/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	run, err := db.CreateRun([]string{"/in/a.csv"}, "")
	require.NoError(t, err)
	require.NoError(t, db.SetRunStatus(run.ID, database.RunStatusSucceeded))

	w = doRequest(t, s, http.MethodPost, fmt.Sprintf("/api/v1/runs/%d/cancel", run.ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestExportRun(t *testing.T) {
	s, _ := newTestServer(t)
	feed := writeTestFeed(t,
		"AYV-1;Renault;Clio;TCe 90;Petrol;Manual;Hatchback;5;5;67;999;18500;299;36;15000;")

	w := doRequest(t, s, http.MethodPost, "/api/v1/runs",
		map[string]interface{}{"sources": []string{feed}})
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := int64(decodeBody(t, w)["run"].(map[string]interface{})["id"].(float64))
	waitForTerminalRun(t, s, runID)

	w = doRequest(t, s, http.MethodGet,
		fmt.Sprintf("/api/v1/runs/%d/export?projection=commercial&format=csv", runID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "commercial")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte{0xEF, 0xBB, 0xBF}),
		"commercial CSV export is missing the BOM")

	w = doRequest(t, s, http.MethodGet,
		fmt.Sprintf("/api/v1/runs/%d/export?format=yaml", runID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReloadGlossary(t *testing.T) {
	s, db := newTestServer(t)

	// No workbook in the reference dir yet.
	w := doRequest(t, s, http.MethodPost, "/api/v1/reference/glossary/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	f := excelize.NewFile()
	f.SetSheetRow("Sheet1", "A1", &[]interface{}{"field", "source", "canonical", "priority"})
	f.SetSheetRow("Sheet1", "A2", &[]interface{}{"fuel", "benzina", "petrol", 0})
	require.NoError(t, f.SaveAs(filepath.Join(s.cfg.ReferenceDir, "glossary.xlsx")))
	f.Close()

	w = doRequest(t, s, http.MethodPost, "/api/v1/reference/glossary/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, w)["loaded"])

	snap, err := db.SnapshotGlossary(nil)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
}

func TestRunManager(t *testing.T) {
	rm := NewRunManager()

	cancelled := false
	rm.Register(7, func() { cancelled = true })
	assert.Equal(t, 1, rm.Active())

	assert.True(t, rm.Cancel(7))
	assert.True(t, cancelled, "Cancel did not fire the run's cancel func")
	// The entry stays until the run goroutine unregisters itself.
	assert.Equal(t, 1, rm.Active())

	rm.Unregister(7)
	assert.Equal(t, 0, rm.Active())
	assert.False(t, rm.Cancel(7), "unregistered run still cancellable")
}
