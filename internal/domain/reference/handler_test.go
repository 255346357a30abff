package reference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo, *cascadeFixture) {
	f := newCascadeFixture()
	return NewHandler(NewService(f.resolver)), echo.New(), f
}

func TestHandler_Parse(t *testing.T) {
	h, e, _ := newTestHandler()

	body := `{"expressions": ["/orgs/Org/sources/S/v1/concepts/C1/", "/orgs/Org/widgets/S/"], "cascade": "sourcemappings"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/references/$parse", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Parse(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var result struct {
		References []map[string]any  `json:"references"`
		Errors     map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(result.References) != 1 {
		t.Fatalf("expected 1 reference, got %d", len(result.References))
	}
	ref := result.References[0]
	if ref["code"] != "C1" || ref["version"] != "v1" || ref["reference_type"] != "concepts" {
		t.Errorf("unexpected reference %v", ref)
	}
	want := `Include concept "C1" from version "v1" of Org/S PLUS its mappings`
	if ref["translation"] != want {
		t.Errorf("expected translation %q, got %v", want, ref["translation"])
	}
	if _, ok := result.Errors["/orgs/Org/widgets/S/"]; !ok {
		t.Errorf("expected an error for the malformed expression, got %v", result.Errors)
	}
}

func TestHandler_Parse_MissingExpressions(t *testing.T) {
	h, e, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/references/$parse", strings.NewReader(`{"transform": "extensional"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Parse(c)
	if err == nil {
		t.Fatal("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", httpErr.Code)
	}
}

func TestService_PrepareMaterializesTransformedCascade(t *testing.T) {
	f := newCascadeFixture()
	svc := NewService(f.resolver)

	refs, perr, err := svc.Prepare(context.Background(), "/orgs/Org/sources/S/concepts/C1/", Options{
		Transform: TransformResourceVersions,
		Cascade:   NewCascade(CascadeSourceMappings),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perr) != 0 {
		t.Errorf("unexpected parse errors %v", perr)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 2 related references plus the original, got %d", len(refs))
	}
	for _, ref := range refs {
		if ref.Translation == "" {
			t.Errorf("expected a translation for %s", ref.ResolvedTarget())
		}
	}
}
