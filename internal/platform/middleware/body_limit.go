package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// BodyLimit caps request bodies at defaultLimit, except reference uploads
// (POST .../references), which carry batches of expressions and get
// bulkLimit. Limits use echo's size syntax ("1M", "512K"); callers validate
// them first because echo panics on an invalid limit.
func BodyLimit(defaultLimit, bulkLimit string) echo.MiddlewareFunc {
	std := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{Limit: defaultLimit})
	bulk := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{Limit: bulkLimit})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		stdNext, bulkNext := std(next), bulk(next)
		return func(c echo.Context) error {
			if isReferenceUpload(c.Request()) {
				return bulkNext(c)
			}
			return stdNext(c)
		}
	}
}

func isReferenceUpload(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/references")
}
