package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/config"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		Proxy: config.ProxyConfig{MaxRedirects: 5, CORSMaxAge: 600},
	}
	h := NewHealthHandler(cfg, "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body.status = %v, want %q", body["status"], "ok")
	}
	if body["version"] != "1.2.3" {
		t.Errorf("body.version = %v, want %q", body["version"], "1.2.3")
	}
	if body["max_redirects"] != float64(5) {
		t.Errorf("body.max_redirects = %v, want 5", body["max_redirects"])
	}
	if body["cors_max_age"] != float64(600) {
		t.Errorf("body.cors_max_age = %v, want 600", body["cors_max_age"])
	}
}
