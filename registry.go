package hxstream

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry owns the routes of a streaming application:
//
//	GET /        the streamed document (Responder)
//	GET /spa.js  the hydration runtime script
//	/api/...     same-origin proxy to the upstream source, when configured
//
// Every other path is a 404.
type Registry struct {
	mu        sync.RWMutex
	mux       *http.ServeMux
	responder *Responder
	routes    map[string]bool
	logger    *zap.Logger

	// OnError is called when a route fails before any body was written.
	// Customize this to handle errors appropriately for your application.
	OnError func(http.ResponseWriter, *http.Request, error)
}

// NewRegistry creates a registry serving rs at "/" and the runtime script
// at the shell's script path.
func NewRegistry(rs *Responder) *Registry {
	if rs == nil {
		panic("hxstream: responder is required")
	}

	reg := &Registry{
		mux:       http.NewServeMux(),
		responder: rs,
		routes:    make(map[string]bool),
		logger:    rs.logger,
	}

	// Default error handler
	reg.OnError = func(w http.ResponseWriter, r *http.Request, err error) {
		if IsUpstreamError(err) {
			http.Error(w, "Bad gateway", http.StatusBadGateway)
			return
		}
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}

	reg.handle("GET /{$}", rs)
	reg.handle("GET "+rs.shell.ScriptSrc, RuntimeScriptHandler())
	return reg
}

// Responder returns the document responder.
func (reg *Registry) Responder() *Responder {
	return reg.responder
}

// ProxyAPI forwards every request under prefix to target, keeping the path.
// This makes the preload URLs in the shell same-origin, which is what lets
// the browser send credentials with them.
func (reg *Registry) ProxyAPI(prefix string, target *url.URL) {
	if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
		panic(fmt.Sprintf("hxstream: proxy prefix %q must start and end with /", prefix))
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		reg.logger.Warn("api proxy failed", zap.String("path", r.URL.Path), zap.Error(err))
		reg.OnError(w, r, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err))
	}
	reg.handle(prefix, proxy)
}

// Handle registers an extra route. Panics on a duplicate pattern.
func (reg *Registry) Handle(pattern string, h http.Handler) {
	reg.handle(pattern, h)
}

func (reg *Registry) handle(pattern string, h http.Handler) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.routes[pattern] {
		panic(fmt.Sprintf("hxstream: route collision for %q", pattern))
	}
	reg.routes[pattern] = true
	reg.mux.Handle(pattern, h)
}

// Routes returns the registered route patterns.
func (reg *Registry) Routes() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.routes))
	for p := range reg.routes {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Handler returns the HTTP handler for all registered routes.
//
// A panic inside a route (for example a write to a closed stream) is a
// programming error; it is logged and then left to net/http, which aborts
// the connection.
func (reg *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v != http.ErrAbortHandler {
					reg.logger.Error("route panicked",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("panic", v),
					)
				}
				panic(v)
			}
		}()
		reg.mux.ServeHTTP(w, r)
	})
}
