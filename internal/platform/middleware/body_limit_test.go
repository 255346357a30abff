package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestBodyLimit(t *testing.T) {
	small := `{"mnemonic":"e1"}`
	batch := `{"expressions":["` + strings.Repeat("/orgs/O/sources/S/concepts/C/", 40) + `"]}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"small body", http.MethodPost, "/api/v1/repository-versions/x/expansions", small, http.StatusOK},
		{"large body on ordinary route", http.MethodPost, "/api/v1/repository-versions/x/expansions", batch, http.StatusRequestEntityTooLarge},
		{"large reference upload", http.MethodPost, "/api/v1/repository-versions/x/references", batch, http.StatusOK},
		{"trailing slash upload", http.MethodPost, "/api/v1/repository-versions/x/references/", batch, http.StatusOK},
		{"large reference delete", http.MethodDelete, "/api/v1/repository-versions/x/references", batch, http.StatusRequestEntityTooLarge},
	}

	mw := BodyLimit("100B", "10K")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			c := echo.New().NewContext(req, httptest.NewRecorder())

			err := mw(func(c echo.Context) error {
				if _, err := io.ReadAll(c.Request().Body); err != nil {
					return err
				}
				return c.NoContent(http.StatusOK)
			})(c)

			status := http.StatusOK
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}
}

func TestBodyLimit_UnknownLength(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/references/$parse", io.NopCloser(strings.NewReader(strings.Repeat("x", 500))))
	req.ContentLength = -1
	c := echo.New().NewContext(req, httptest.NewRecorder())

	err := BodyLimit("100B", "10K")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 while reading an oversized body, got %v", err)
	}
}
