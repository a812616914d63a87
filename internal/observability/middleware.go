package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Request surfaces of the controller API.
const (
	SurfaceControl = "control"
	SurfaceQuery   = "query"
	SurfaceStream  = "stream"
	SurfaceScrape  = "scrape"
)

// unmatchedPath replaces the raw URL of requests no route matched, so stray
// paths cannot grow the label set.
const unmatchedPath = "unmatched"

// requestRoute returns the matched route pattern and the surface it belongs to.
func requestRoute(c *gin.Context) (path, surface string) {
	path = c.FullPath()
	if path == "" {
		return unmatchedPath, SurfaceQuery
	}
	switch {
	case path == "/metrics":
		return path, SurfaceScrape
	case path == "/events":
		return path, SurfaceStream
	case c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead:
		return path, SurfaceControl
	default:
		return path, SurfaceQuery
	}
}

// RequestLogger logs one line per request. Control requests log at info,
// reads and scrapes at debug, and failures always stand out.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path, surface := requestRoute(c)

		event := logger.Debug()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case surface == SurfaceControl || surface == SurfaceStream:
			event = logger.Info()
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("surface", surface).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http_request")
	}
}

// RequestMetricsMiddleware counts requests by surface and matched route.
// Websocket streams are counted when they end.
func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path, surface := requestRoute(c)
		RecordHTTPRequest(surface, c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
