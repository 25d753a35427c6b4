// Package preload hands ahead-of-time requests to the code that needs them.
//
// A document announces the resources its application will ask for with a
// preload hint. The Bridge starts each of those requests the moment the
// hint is seen and parks the pending result under its URL. The first
// caller that asks for that URL takes the pending request; the entry is
// removed at the same time, so every later call goes to the network.
//
//	bridge := preload.New(preload.WithHTTPClient(client))
//	defer bridge.Close()
//
//	bridge.Register("http://localhost:8080/api/colors") // at parse time
//	...
//	res, err := bridge.Fetch(ctx, "http://localhost:8080/api/colors")
//
// A Bridge is an explicit object with a lifetime, not process state: create
// one per document (or per client) and pass it to both the registering and
// the consuming side.
package preload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Wait for preloads canceled by Close.
	ErrClosed = errors.New("preload: bridge closed")

	// ErrBodyTooLarge is returned for bodies over the bridge's size limit.
	ErrBodyTooLarge = errors.New("preload: body exceeds size limit")
)

// DefaultMaxBodyBytes caps how much of a body is buffered.
const DefaultMaxBodyBytes = 8 << 20

// Response is a fully read HTTP response.
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte

	// Preloaded is true when the response came from a registered preload
	// rather than a fresh request.
	Preloaded bool
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Pending is a preload that may or may not have settled yet.
type Pending struct {
	url  string
	done chan struct{}
	res  *Response
	err  error
}

// URL returns the preloaded URL.
func (p *Pending) URL() string {
	return p.url
}

// Done is closed once the preload settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the preload finished, successfully or not.
func (p *Pending) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the preload settles or ctx ends. A failed preload
// returns its error, exactly as a fresh failed request would.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return p.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) settle(res *Response, err error) {
	p.res = res
	p.err = err
	close(p.done)
}

// Bridge maps URLs to unclaimed preloads.
type Bridge struct {
	mu      sync.Mutex
	entries map[string]*Pending
	closed  bool

	client  *http.Client
	header  http.Header
	maxBody int64
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHTTPClient sets the client used for preloads and fresh requests. Its
// cookie jar supplies the credentials sent with every request.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) {
		if c != nil {
			b.client = c
		}
	}
}

// WithHeader adds a header (typically Authorization) to every request.
func WithHeader(key, value string) Option {
	return func(b *Bridge) {
		b.header.Add(key, value)
	}
}

// WithMaxBodyBytes sets the largest body a request may return.
func WithMaxBodyBytes(n int64) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxBody = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates an empty Bridge.
func New(opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		entries: make(map[string]*Pending),
		client:  http.DefaultClient,
		header:  make(http.Header),
		maxBody: DefaultMaxBodyBytes,
		logger:  zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register starts fetching url in the background and parks the pending
// request. It returns false, and starts nothing, if an unclaimed preload
// for url already exists or the bridge is closed.
func (b *Bridge) Register(url string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if _, exists := b.entries[url]; exists {
		return false
	}

	p := &Pending{url: url, done: make(chan struct{})}
	b.entries[url] = p
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		res, err := b.do(b.ctx, url)
		if err != nil && errors.Is(err, context.Canceled) && b.ctx.Err() != nil {
			err = ErrClosed
		}
		if res != nil {
			res.Preloaded = true
		}
		p.settle(res, err)
		b.logger.Debug("preload settled", zap.String("url", url), zap.Error(err))
	}()
	b.logger.Debug("preload registered", zap.String("url", url))
	return true
}

// Consume removes and returns the pending preload for url. The check and
// the removal happen under one lock, so at most one caller ever receives a
// given preload.
func (b *Bridge) Consume(url string) (*Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.entries[url]
	if ok {
		delete(b.entries, url)
	}
	return p, ok
}

// Fetch returns the preloaded response for url if one is parked, otherwise
// it performs a fresh request.
func (b *Bridge) Fetch(ctx context.Context, url string) (*Response, error) {
	if p, ok := b.Consume(url); ok {
		b.logger.Debug("serving preloaded response", zap.String("url", url), zap.Bool("settled", p.Settled()))
		return p.Wait(ctx)
	}
	return b.do(ctx, url)
}

// Len returns the number of unclaimed preloads.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close cancels outstanding preloads, drops unclaimed entries and waits for
// the background fetches to return. Pending handles already consumed settle
// with ErrClosed if they had not finished.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.entries = make(map[string]*Pending)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) do(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("preload %s: %w", url, err)
	}
	for k, vs := range b.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > b.maxBody {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", url, ErrBodyTooLarge, b.maxBody)
	}
	return &Response{
		URL:    url,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}
