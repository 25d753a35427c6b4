// Package mockapi is a fixture-driven stand-in for the upstream data
// service, for demos and tests.
//
// Routes are declared in YAML:
//
//	routes:
//	  - method: GET
//	    path: /api/colors
//	    variant: assorted
//	    status: 200
//	    delay: 150ms
//	    body:
//	      - {name: Cyan, color: "#00BCD4"}
//
// Bodies are served as JSON, or as msgpack to clients that ask for it.
// Status and delay can be switched per route at runtime with Override.
package mockapi

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pthm/hxstream/lib/encoding"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

// ErrUnknownRoute is returned by Override for a route not in the fixtures.
var ErrUnknownRoute = errors.New("mockapi: unknown route")

// Route is one mocked endpoint.
type Route struct {
	Method  string        `yaml:"method"`
	Path    string        `yaml:"path"`
	Variant string        `yaml:"variant"`
	Status  int           `yaml:"status"`
	Delay   time.Duration `yaml:"delay"`
	Body    any           `yaml:"body"`
}

// Fixtures is the decoded fixture file.
type Fixtures struct {
	Routes []Route `yaml:"routes"`
}

// LoadFixtures decodes fixtures from r.
func LoadFixtures(r io.Reader) (*Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("mockapi: decode fixtures: %w", err)
	}
	return &f, nil
}

// LoadFile decodes fixtures from the file at path.
func LoadFile(path string) (*Fixtures, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mockapi: %w", err)
	}
	defer fh.Close()
	return LoadFixtures(fh)
}

// DefaultFixtures returns the embedded fixtures: GET /api/colors with four
// colors.
func DefaultFixtures() *Fixtures {
	f, err := LoadFixtures(bytes.NewReader(defaultFixtures))
	if err != nil {
		panic(err)
	}
	return f
}

type routeKey struct {
	method string
	path   string
}

// Server serves the fixture routes.
type Server struct {
	mu     sync.RWMutex
	routes map[routeKey]Route
	logger *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Server for f. Duplicate routes and routes without a path
// are rejected.
func New(f *Fixtures, opts ...Option) (*Server, error) {
	s := &Server{
		routes: make(map[routeKey]Route),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	for i, r := range f.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("mockapi: route %d: path %q must start with /", i, r.Path)
		}
		if r.Method == "" {
			r.Method = http.MethodGet
		}
		r.Method = strings.ToUpper(r.Method)
		if r.Status == 0 {
			r.Status = http.StatusOK
		}
		if r.Delay < 0 {
			return nil, fmt.Errorf("mockapi: route %s %s: negative delay", r.Method, r.Path)
		}
		k := routeKey{r.Method, r.Path}
		if _, dup := s.routes[k]; dup {
			return nil, fmt.Errorf("mockapi: duplicate route %s %s", r.Method, r.Path)
		}
		s.routes[k] = r
	}
	return s, nil
}

// Override changes the status and delay of an existing route.
func (s *Server) Override(method, path string, status int, delay time.Duration) error {
	if status < 100 || status > 599 {
		return fmt.Errorf("mockapi: invalid status %d", status)
	}
	if delay < 0 {
		return fmt.Errorf("mockapi: negative delay %s", delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	k := routeKey{strings.ToUpper(method), path}
	r, ok := s.routes[k]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnknownRoute, method, path)
	}
	r.Status = status
	r.Delay = delay
	s.routes[k] = r
	s.logger.Info("route overridden",
		zap.String("method", k.method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("delay", delay),
	)
	return nil
}

// Routes returns the current routes sorted by path then method.
func (s *Server) Routes() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Route) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.Method, b.Method)
	})
	return out
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}

	s.mu.RLock()
	route, ok := s.routes[routeKey{method, r.URL.Path}]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("no route", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		http.NotFound(w, r)
		return
	}

	if err := sleep(r.Context(), route.Delay); err != nil {
		return
	}

	if route.Status < 200 || route.Status >= 300 {
		http.Error(w, http.StatusText(route.Status), route.Status)
		return
	}

	format := encoding.Negotiate(r.Header.Get("Accept"))
	body, err := encoding.Marshal(format, route.Body)
	if err != nil {
		s.logger.Error("encode fixture body", zap.String("path", route.Path), zap.Error(err))
		http.Error(w, "fixture encoding failed", http.StatusInternalServerError)
		return
	}

	contentType := encoding.ContentTypeJSON
	if format == encoding.FormatMsgpack {
		contentType = encoding.ContentTypeMsgpack
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(route.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	s.logger.Debug("served",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("variant", route.Variant),
		zap.Int("status", route.Status),
		zap.Stringer("format", format),
	)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
