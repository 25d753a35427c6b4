// Package upstream calls the data service a streamed document waits on.
//
// A Client issues exactly one GET per Fetch. It never retries: the
// streaming responder decides what a failure means for the page, and a
// retry loop here would hold the half-sent document open for longer than
// the browser is willing to wait.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pthm/hxstream/lib/encoding"
)

var (
	// ErrUnavailable wraps every transport-level failure: refused
	// connections, DNS errors, timeouts and bodies cut short.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrBodyTooLarge is wrapped, along with ErrUnavailable, when a body
	// exceeds the client's size limit.
	ErrBodyTooLarge = errors.New("body exceeds size limit")
)

// DefaultMaxBodyBytes caps how much of an upstream body is buffered.
const DefaultMaxBodyBytes = 8 << 20

// Response is a fully buffered upstream reply.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Client fetches resources relative to a base URL.
type Client struct {
	base    *url.URL
	http    *http.Client
	accept  string
	header  http.Header
	maxBody int64
	tracer  trace.Tracer
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each call at the transport layer. Zero disables the
// bound; the request context still applies.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		clone := *c.http
		clone.Timeout = d
		c.http = &clone
	}
}

// WithAccept sets the Accept header sent upstream.
func WithAccept(accept string) Option {
	return func(c *Client) {
		c.accept = accept
	}
}

// WithHeader adds a static header (for example an Authorization token) to
// every upstream request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.header.Add(key, value)
	}
}

// WithMaxBodyBytes sets the largest body Fetch will buffer. Larger bodies
// fail with ErrBodyTooLarge instead of being cut short.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithTracerProvider sets the provider spans are started from. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = tp.Tracer("github.com/pthm/hxstream/lib/upstream")
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for baseURL, which must be an absolute http(s) URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", baseURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upstream url %q: host is required", baseURL)
	}

	c := &Client{
		base:    base,
		http:    &http.Client{},
		accept:  encoding.ContentTypeJSON + ", " + encoding.ContentTypeMsgpack + ";q=0.9",
		header:  make(http.Header),
		maxBody: DefaultMaxBodyBytes,
		tracer:  otel.Tracer("github.com/pthm/hxstream/lib/upstream"),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the base URL the client resolves paths against.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Resolve joins path onto the base URL.
func (c *Client) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path %q: %w", path, err)
	}
	return c.base.ResolveReference(ref), nil
}

// Fetch performs one GET for path. A non-nil error always wraps
// ErrUnavailable; non-2xx statuses are returned as a Response, not an error.
func (c *Client) Fetch(ctx context.Context, path string) (*Response, error) {
	target, err := c.Resolve(path)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "upstream.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodGet),
			attribute.String("url.full", target.String()),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", c.accept)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		c.logger.Debug("upstream call failed", zap.String("url", target.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "body read failure")
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if int64(len(body)) > c.maxBody {
		span.SetStatus(codes.Error, "body too large")
		c.logger.Warn("upstream body too large", zap.String("url", target.String()), zap.Int64("limit", c.maxBody))
		return nil, fmt.Errorf("%w: %w (%d bytes)", ErrUnavailable, ErrBodyTooLarge, c.maxBody)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	}
	c.logger.Debug("upstream call finished",
		zap.String("url", target.String()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
