// Package hxstreamecho mounts a streaming application on an Echo instance.
//
//	e := echo.New()
//	reg := hxstream.NewRegistry(responder)
//	reg.ProxyAPI("/api/", upstreamURL)
//	hxstreamecho.Mount(e, reg)
//
// Echo middleware (logging, recovery, auth) wraps the routes as usual. The
// streamed document still flushes chunk by chunk: echo's Response forwards
// Flush to the underlying writer.
package hxstreamecho

import (
	"net/http"
	"strings"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"

	"github.com/pthm/hxstream"
)

// Mount registers every route of reg on e and returns the echo routes it
// added.
//
//	GET /{$}     -> GET, HEAD /
//	GET /spa.js  -> GET, HEAD /spa.js
//	/api/        -> any method /api/*
func Mount(e *echo.Echo, reg *hxstream.Registry, m ...echo.MiddlewareFunc) []*echo.Route {
	h := echo.WrapHandler(reg.Handler())

	var routes []*echo.Route
	for _, pattern := range reg.Routes() {
		method, path := splitPattern(pattern)
		if strings.HasSuffix(path, "/") && path != "/" {
			routes = append(routes, e.Any(path+"*", h, m...)...)
			continue
		}
		methods := []string{http.MethodGet, http.MethodHead}
		if method != "" && method != http.MethodGet {
			methods = []string{method}
		}
		routes = append(routes, e.Match(methods, path, h, m...)...)
	}
	return routes
}

// splitPattern turns a net/http pattern into a method and an echo path.
func splitPattern(pattern string) (method, path string) {
	path = pattern
	if before, after, ok := strings.Cut(pattern, " "); ok {
		method, path = before, after
	}
	path = strings.TrimSuffix(path, "{$}")
	if path == "" {
		path = "/"
	}
	return method, path
}

// Render writes a templ component to the Echo response.
//
//	func handler(c echo.Context) error {
//	    return hxstreamecho.Render(c, hxstream.SignalScript("ready"))
//	}
func Render(c echo.Context, component templ.Component) error {
	return hxstream.Render(c.Response(), c.Request(), component)
}

// Stream adapts a Responder into an echo handler, for applications that
// route the document themselves.
func Stream(rs *hxstream.Responder) echo.HandlerFunc {
	return echo.WrapHandler(rs)
}
