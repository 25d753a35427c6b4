package hydrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pthm/hxstream"
	"github.com/pthm/hxstream/lib/preload"
)

// Client loads a streamed page and hydrates it the way the browser runtime
// does: preload hints go to a per-page Bridge as they are parsed, and the
// runtimes start when the runtime script element is closed, with the
// configuration from its data-* attributes.
type Client struct {
	http     *http.Client
	renderer Renderer
	logger   *zap.Logger

	// Overrides for the page's own configuration. Zero values keep what the
	// page declares.
	strategy string
	timeout  time.Duration
	interval time.Duration

	apiPath string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the client used for the page and for API requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithStrategy overrides the page's hydration strategy.
func WithStrategy(name string) ClientOption {
	return func(c *Client) {
		c.strategy = name
	}
}

// WithTimeout overrides the page's hydration timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithPollInterval overrides the page's polling interval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.interval = d
	}
}

// WithAPIFetch switches the client to the fetch path: instead of reading
// the streamed data node, the first slot is rendered from a request to
// path, served from the page's preload when there is one.
func WithAPIFetch(path string) ClientOption {
	return func(c *Client) {
		c.apiPath = path
	}
}

// WithClientRenderer sets the renderer every runtime uses.
func WithClientRenderer(r Renderer) ClientOption {
	return func(c *Client) {
		if r != nil {
			c.renderer = r
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:     http.DefaultClient,
		renderer: RendererFunc(func(View) {}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load fetches pageURL and returns the rendered views in slot order. It
// returns once the document is fully parsed and every runtime has rendered
// or given up.
func (c *Client) Load(ctx context.Context, pageURL string) ([]View, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("hydrate: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hydrate: load %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hydrate: load %s: status %d", pageURL, resp.StatusCode)
	}

	bridge := preload.New(preload.WithHTTPClient(c.http), preload.WithLogger(c.logger))
	defer bridge.Close()

	g, gctx := errgroup.WithContext(ctx)

	var (
		mu      sync.Mutex
		views   = make(map[int]View)
		started bool
	)
	store := func(i int, v View) {
		mu.Lock()
		views[i] = v
		mu.Unlock()
	}

	var doc *Document
	onScript := func(s Script) {
		if started {
			return
		}
		cfg, ok := c.scriptConfig(s)
		if !ok {
			return
		}
		started = true
		c.logger.Debug("runtime started",
			zap.String("src", s.Src),
			zap.String("strategy", cfg.strategy),
			zap.Int("slots", len(cfg.slots)),
		)

		if c.apiPath != "" {
			api, err := resp.Request.URL.Parse(c.apiPath)
			if err != nil {
				c.logger.Warn("invalid api path", zap.String("path", c.apiPath), zap.Error(err))
				return
			}
			rt := NewRuntime(cfg.slots[0], nil, WithRenderer(c.renderer), WithRuntimeLogger(c.logger))
			g.Go(func() error {
				if v, ok := rt.FetchAPI(gctx, bridge, api.String()); ok {
					store(0, v)
				}
				return nil
			})
			return
		}

		for i, slot := range cfg.slots {
			strategy, err := NewStrategy(cfg.strategy, slot, cfg.timeout, cfg.interval)
			if err != nil {
				c.logger.Warn("runtime not started", zap.String("slot", slot.ID), zap.Error(err))
				continue
			}
			rt := NewRuntime(slot, strategy, WithRenderer(c.renderer), WithRuntimeLogger(c.logger))
			g.Go(func() error {
				if v, ok := rt.Hydrate(gctx, doc); ok {
					store(i, v)
				}
				return nil
			})
		}
	}

	doc = NewDocument(
		WithBaseURL(resp.Request.URL),
		WithDocumentLogger(c.logger),
		OnPreload(func(u string) { bridge.Register(u) }),
		OnScript(onScript),
	)
	g.Go(func() error {
		return doc.Parse(resp.Body)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make([]int, 0, len(views))
	for k := range views {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]View, 0, len(keys))
	for _, k := range keys {
		out = append(out, views[k])
	}
	return out, nil
}

type scriptConfig struct {
	strategy string
	timeout  time.Duration
	interval time.Duration
	slots    []hxstream.Slot
}

// scriptConfig reads the runtime configuration from a script's dataset,
// falling back to the defaults for anything missing. Scripts without any
// runtime attributes are not the runtime.
func (c *Client) scriptConfig(s Script) (scriptConfig, bool) {
	_, hasStrategy := s.Dataset["strategy"]
	_, hasSlots := s.Dataset["slots"]
	if !hasStrategy && !hasSlots {
		return scriptConfig{}, false
	}

	cfg := scriptConfig{
		strategy: s.Dataset["strategy"],
		timeout:  millis(s.Dataset["timeout"], hxstream.DefaultHydrateTimeout),
		interval: millis(s.Dataset["interval"], hxstream.DefaultPollInterval),
		slots:    parseSlots(s.Dataset["slots"]),
	}
	if cfg.strategy != hxstream.StrategyPoll {
		cfg.strategy = hxstream.StrategyEvent
	}
	if c.strategy != "" {
		cfg.strategy = c.strategy
	}
	if c.timeout > 0 {
		cfg.timeout = c.timeout
	}
	if c.interval > 0 {
		cfg.interval = c.interval
	}
	return cfg, true
}

func millis(raw string, fallback time.Duration) time.Duration {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func parseSlots(raw string) []hxstream.Slot {
	var refs []struct {
		ID    string `json:"id"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(raw), &refs); err != nil || len(refs) == 0 {
		return []hxstream.Slot{hxstream.DefaultSlot}
	}
	slots := make([]hxstream.Slot, 0, len(refs))
	for _, r := range refs {
		slots = append(slots, hxstream.Slot{ID: r.ID, Event: r.Event})
	}
	return slots
}

// ParseURL is a convenience for callers that build page URLs from a base
// and a path.
func ParseURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("hydrate: %w", err)
	}
	ref, err := u.Parse(path)
	if err != nil {
		return "", fmt.Errorf("hydrate: %w", err)
	}
	return ref.String(), nil
}
