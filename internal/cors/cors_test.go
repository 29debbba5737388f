package cors

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCollect_AlwaysAllowsAnyOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/example.com/", nil)
	h := Collect(req, 0)
	if got := h.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestCollect_MaxAgeOnlyOnPreflight(t *testing.T) {
	tests := []struct {
		name   string
		method string
		maxAge int
		want   string
	}{
		{"options with max age", http.MethodOptions, 600, "600"},
		{"options without max age", http.MethodOptions, 0, ""},
		{"get with max age", http.MethodGet, 600, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/example.com/", nil)
			h := Collect(req, tt.maxAge)
			if got := h.Get("Access-Control-Max-Age"); got != tt.want {
				t.Errorf("Access-Control-Max-Age = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollect_EchoesAndConsumesNegotiationHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/example.com/", nil)
	req.Header.Set("Access-Control-Request-Method", "DELETE")
	req.Header.Set("Access-Control-Request-Headers", "X-Custom, Content-Type")

	h := Collect(req, 0)

	if got := h.Get("Access-Control-Allow-Methods"); got != "DELETE" {
		t.Errorf("Access-Control-Allow-Methods = %q, want %q", got, "DELETE")
	}
	if got := h.Get("Access-Control-Allow-Headers"); got != "X-Custom, Content-Type" {
		t.Errorf("Access-Control-Allow-Headers = %q, want %q", got, "X-Custom, Content-Type")
	}
	if _, ok := req.Header["Access-Control-Request-Method"]; ok {
		t.Error("Access-Control-Request-Method not consumed from request")
	}
	if _, ok := req.Header["Access-Control-Request-Headers"]; ok {
		t.Error("Access-Control-Request-Headers not consumed from request")
	}
}

func TestCollect_NoNegotiationHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/example.com/", nil)
	h := Collect(req, 0)
	if _, ok := h["Access-Control-Allow-Methods"]; ok {
		t.Error("Access-Control-Allow-Methods set without a request method header")
	}
	if _, ok := h["Access-Control-Allow-Headers"]; ok {
		t.Error("Access-Control-Allow-Headers set without a request headers header")
	}
}

func TestMerge(t *testing.T) {
	dst := make(http.Header)
	dst.Set("Content-Type", "text/plain")
	src := make(http.Header)
	src.Set("Access-Control-Allow-Origin", "*")

	Merge(dst, src)

	if got := dst.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("merged Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if got := dst.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type = %q, want %q (must survive merge)", got, "text/plain")
	}
}

func TestFinalize_ListsEveryHeader(t *testing.T) {
	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Final-Url", "http://example.com/")
	h.Set("Content-Type", "application/json")

	Finalize(h)

	want := "Access-Control-Allow-Origin,Content-Type,X-Final-Url"
	if got := h.Get("Access-Control-Expose-Headers"); got != want {
		t.Errorf("Access-Control-Expose-Headers = %q, want %q", got, want)
	}
}

func TestFinalize_ExcludesItself(t *testing.T) {
	h := make(http.Header)
	h.Set("Access-Control-Allow-Origin", "*")

	Finalize(h)

	if got := h.Get("Access-Control-Expose-Headers"); got != "Access-Control-Allow-Origin" {
		t.Errorf("Access-Control-Expose-Headers = %q, want %q", got, "Access-Control-Allow-Origin")
	}
}
