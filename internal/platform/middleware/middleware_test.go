package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/platform/auth"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"caller id kept", "import-batch-42", true},
		{"too long", strings.Repeat("a", maxRequestIDLen+1), false},
		{"control characters", "abc\ninjected", false},
		{"spaces", "two words", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/expansions/x", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(req, rec)

			var seen string
			err := RequestID()(func(c echo.Context) error {
				seen, _ = c.Get("request_id").(string)
				return nil
			})(c)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if rec.Header().Get(RequestIDHeader) != seen {
				t.Errorf("response header %q differs from context id %q", rec.Header().Get(RequestIDHeader), seen)
			}
			if tt.keep && seen != tt.incoming {
				t.Errorf("expected caller id %q, got %q", tt.incoming, seen)
			}
			if !tt.keep {
				if _, err := uuid.Parse(seen); err != nil {
					t.Errorf("expected a generated uuid, got %q", seen)
				}
			}
		})
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		level   string
		status  int
	}{
		{"ok", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, "info", http.StatusOK},
		{"not found", func(echo.Context) error { return echo.NewHTTPError(http.StatusNotFound) }, "warn", http.StatusNotFound},
		{"wait timeout", func(echo.Context) error { return echo.NewHTTPError(http.StatusGatewayTimeout) }, "error", http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			req := httptest.NewRequest(http.MethodGet, "/api/v1/expansions/x/concepts", nil)
			req = req.WithContext(auth.WithUser(req.Context(), "curator-1", []string{auth.RoleViewer}))
			c := echo.New().NewContext(req, httptest.NewRecorder())
			c.SetPath("/api/v1/expansions/:id/concepts")
			c.Set("request_id", "req-1")

			_ = Logger(zerolog.New(&buf))(tt.handler)(c)

			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("expected one json log line, got %q", buf.String())
			}
			want := map[string]any{
				"level":      tt.level,
				"request_id": "req-1",
				"route":      "/api/v1/expansions/:id/concepts",
				"user_id":    "curator-1",
				"status":     float64(tt.status),
			}
			for k, v := range want {
				if line[k] != v {
					t.Errorf("%s = %v, want %v", k, line[k], v)
				}
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/references/$parse", nil), httptest.NewRecorder())
	c.Set("request_id", "req-panic")

	err := Recovery(zerolog.New(&buf))(func(echo.Context) error {
		panic("nil concept")
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %v", err)
	}
	for _, want := range []string{`"panic":"nil concept"`, `"request_id":"req-panic"`, `"stack"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %s in %s", want, buf.String())
		}
	}

	if err := Recovery(zerolog.Nop())(func(echo.Context) error { return nil })(c); err != nil {
		t.Errorf("unexpected error without a panic: %v", err)
	}
}
