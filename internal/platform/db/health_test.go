package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHealthHandler_MemoryStore(t *testing.T) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

	workers := Component{Name: "expansion_workers", Report: func() any {
		return map[string]int{"workers": 4, "queued": 1}
	}}
	if err := HealthHandler(nil, workers)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["store"] != "memory" {
		t.Errorf("unexpected report %v", body)
	}
	if _, ok := body["pool"]; ok {
		t.Error("the memory store has no pool stats")
	}
	comps, _ := body["components"].(map[string]any)
	w, _ := comps["expansion_workers"].(map[string]any)
	if w["queued"] != float64(1) {
		t.Errorf("expected worker component in report, got %v", body["components"])
	}
}

func TestHealthReport_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(HealthReport{Status: "healthy", Store: "memory"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"status":"healthy","store":"memory"}` {
		t.Errorf("unexpected json %s", data)
	}
}
