package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signHS256(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// bearerContext builds a request to the reference upload route with the
// given Authorization header; an empty header is omitted.
func bearerContext(header string) echo.Context {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/repository-versions/x/references", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestJWTMiddleware_RejectsMalformedHeaders(t *testing.T) {
	tests := map[string]string{
		"missing":          "",
		"no bearer prefix": "Token abc123",
		"bearer only":      "Bearer",
		"empty token":      "Bearer ",
		"basic auth":       "Basic dXNlcjpwYXNz",
		"garbage token":    "Bearer not.a.jwt",
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			expectStatus(t, mw(okHandler)(bearerContext(header)), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_Tokens(t *testing.T) {
	valid := jwt.RegisteredClaims{
		Subject:   "curator-1",
		Issuer:    "ocl",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	otherIssuer := valid
	otherIssuer.Issuer = "someone-else"

	tests := []struct {
		name   string
		claims jwt.RegisteredClaims
		key    []byte
		ok     bool
	}{
		{"valid", valid, testSigningKey, true},
		{"expired", expired, testSigningKey, false},
		{"wrong issuer", otherIssuer, testSigningKey, false},
		{"wrong key", valid, []byte("another-key"), false},
	}

	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "ocl"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signHS256(t, Claims{RegisteredClaims: tt.claims, Roles: []string{RoleEditor}}, tt.key)
			err := mw(okHandler)(bearerContext("Bearer " + token))
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				expectStatus(t, err, http.StatusUnauthorized)
			}
		})
	}
}

func TestJWTMiddleware_StoresSubjectAndRoles(t *testing.T) {
	token := signHS256(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "curator-2", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Roles:            []string{RoleViewer, RoleEditor},
	}, testSigningKey)

	var gotUser string
	var gotRoles []string
	handler := func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		return nil
	}
	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(bearerContext("bearer " + token)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "curator-2" {
		t.Errorf("user = %q", gotUser)
	}
	if len(gotRoles) != 2 || gotRoles[0] != RoleViewer || gotRoles[1] != RoleEditor {
		t.Errorf("roles = %v", gotRoles)
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")

	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	if err := mw(okHandler)(c); err != nil {
		t.Fatalf("expected public path to skip auth, got %v", err)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	var gotUser string
	var gotRoles []string
	handler := func(c echo.Context) error {
		gotUser = UserIDFromContext(c.Request().Context())
		gotRoles = RolesFromContext(c.Request().Context())
		return nil
	}

	if err := DevAuthMiddleware()(handler)(bearerContext("")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "dev-user" || len(gotRoles) != 1 || gotRoles[0] != RoleAdmin {
		t.Errorf("expected dev-user as admin, got %q %v", gotUser, gotRoles)
	}

	c := bearerContext("")
	c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), "curator-3", []string{RoleViewer})))
	if err := DevAuthMiddleware()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotUser != "curator-3" || gotRoles[0] != RoleViewer {
		t.Errorf("an existing identity must be kept, got %q %v", gotUser, gotRoles)
	}
}
