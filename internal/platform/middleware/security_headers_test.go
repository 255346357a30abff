package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name        string
		opts        HeaderOptions
		path        string
		wantHSTS    bool
		wantNoStore bool
	}{
		{"development api", HeaderOptions{NoStorePrefix: "/api/"}, "/api/v1/expansions/x/concepts", false, true},
		{"production api", HeaderOptions{HSTS: true, NoStorePrefix: "/api/"}, "/api/v1/expansions/x", true, true},
		{"health outside prefix", HeaderOptions{HSTS: true, NoStorePrefix: "/api/"}, "/health", true, false},
		{"no prefix configured", HeaderOptions{}, "/api/v1/expansions/x", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(http.MethodGet, tt.path)
			err := SecurityHeaders(tt.opts)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("X-Content-Type-Options = %q", got)
			}
			if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'none'; frame-ancestors 'none'" {
				t.Errorf("Content-Security-Policy = %q", got)
			}
			if got := rec.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS set = %v, want %v", got, tt.wantHSTS)
			}
			if got := rec.Header().Get("Cache-Control") == "no-store"; got != tt.wantNoStore {
				t.Errorf("no-store set = %v, want %v", got, tt.wantNoStore)
			}
		})
	}
}

func TestSecurityHeaders_SetOnErrorResponses(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/expansions/missing")
	err := SecurityHeaders(HeaderOptions{NoStorePrefix: "/api/"})(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "expansion not found")
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Fatalf("expected the handler's 404 to propagate, got %v", err)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected headers on error responses")
	}
}

func newContext(method, path string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}
