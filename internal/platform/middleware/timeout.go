package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout bounds each request's context. Repository and blob store
// calls observe the deadline, so a slow query surfaces as a 504 rather than
// a generic 500. A non-positive d disables the bound.
func RequestTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(c echo.Context) error {
			req := c.Request()
			ctx, cancel := context.WithTimeout(req.Context(), d)
			defer cancel()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err == nil || ctx.Err() != context.DeadlineExceeded {
				return err
			}
			var he *echo.HTTPError
			if errors.As(err, &he) && he.Code < http.StatusInternalServerError {
				return err
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out").SetInternal(err)
		}
	}
}
