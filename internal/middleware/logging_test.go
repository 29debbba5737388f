package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRequestLogger_EmitsRequestAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusTeapot, "short and stout")
	})

	req := httptest.NewRequest(http.MethodGet, "/test?x=1", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/test" {
		t.Errorf("path = %v, want /test", entry["path"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v, want %d", entry["status"], http.StatusTeapot)
	}
	if entry["remote_ip"] == "" {
		t.Error("remote_ip missing from log entry")
	}
	if entry["bytes_out"] != float64(len("short and stout")) {
		t.Errorf("bytes_out = %v, want %d", entry["bytes_out"], len("short and stout"))
	}
	if _, ok := entry["bytes_in"]; !ok {
		t.Error("bytes_in missing from log entry")
	}
}
