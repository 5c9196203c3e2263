package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

func isReportUpload(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/reports")
}

// BodyLimit caps JSON request bodies at jsonLimit bytes and report uploads
// at uploadLimit. Oversized bodies are answered with 413, up front when
// Content-Length says so and otherwise as soon as the handler reads past the
// cap.
func BodyLimit(jsonLimit, uploadLimit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := jsonLimit
			if isReportUpload(req) {
				limit = uploadLimit
			}
			if req.ContentLength > limit {
				return tooLarge(limit)
			}
			req.Body = &cappedBody{rc: req.Body, left: limit, limit: limit}
			return next(c)
		}
	}
}

func tooLarge(limit int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

// cappedBody reads at most left+1 bytes so an overflow is noticed without
// draining the rest of the stream.
type cappedBody struct {
	rc    io.ReadCloser
	left  int64
	limit int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, tooLarge(b.limit)
	}
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.rc.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return 0, tooLarge(b.limit)
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.rc.Close() }
