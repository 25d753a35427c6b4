package hydrate

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/pthm/hxstream"
)

// Script describes an external <script src> element, including its data-*
// attributes (without the "data-" prefix).
type Script struct {
	Src     string
	Dataset map[string]string
}

// Document is the client-side view of a streamed page while it is still
// arriving.
//
// Parse feeds it from the response body. Data nodes become visible only once
// their closing tag has been read, so a reader never sees half a payload.
// Inline signal scripts dispatch their event the way a browser would run
// them: the fired flag is set first, then every listener is notified.
type Document struct {
	base   *url.URL
	logger *zap.Logger

	onPreload func(url string)
	onScript  func(Script)

	mu        sync.Mutex
	nodes     map[string]string
	fired     map[string]bool
	listeners map[string]map[uint64]chan struct{}
	nextID    uint64
	loaded    bool
	done      chan struct{}
}

// DocumentOption configures a Document.
type DocumentOption func(*Document)

// WithBaseURL resolves relative preload and script URLs against base.
func WithBaseURL(base *url.URL) DocumentOption {
	return func(d *Document) {
		d.base = base
	}
}

// OnPreload is called for every <link rel="preload" as="fetch"> as soon as
// it is parsed.
func OnPreload(fn func(url string)) DocumentOption {
	return func(d *Document) {
		d.onPreload = fn
	}
}

// OnScript is called for every external script once its element is closed,
// the point where a browser would run it.
func OnScript(fn func(Script)) DocumentOption {
	return func(d *Document) {
		d.onScript = fn
	}
}

// WithDocumentLogger sets the logger.
func WithDocumentLogger(l *zap.Logger) DocumentOption {
	return func(d *Document) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDocument returns an empty document in the loading state.
func NewDocument(opts ...DocumentOption) *Document {
	d := &Document{
		logger:    zap.NewNop(),
		nodes:     make(map[string]string),
		fired:     make(map[string]bool),
		listeners: make(map[string]map[uint64]chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Parse reads the document from r until EOF. Hooks and signals run on the
// calling goroutine, in document order. The document is marked loaded when
// Parse returns, whether or not it failed.
func (d *Document) Parse(r io.Reader) error {
	defer d.finish()

	z := html.NewTokenizer(r)
	var (
		inScript bool
		script   html.Token
		text     strings.Builder
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return nil
			}
			return fmt.Errorf("hydrate: parse document: %w", z.Err())

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "script":
				if tt == html.StartTagToken {
					inScript = true
					script = tok
					text.Reset()
				}
			case "link":
				d.preload(tok)
			}

		case html.TextToken:
			if inScript {
				text.Write(z.Text())
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			if inScript && string(name) == "script" {
				inScript = false
				d.closeScript(script, text.String())
			}
		}
	}
}

func (d *Document) preload(tok html.Token) {
	if !strings.EqualFold(attr(tok, "rel"), "preload") || attr(tok, "as") != "fetch" {
		return
	}
	href := attr(tok, "href")
	if href == "" || d.onPreload == nil {
		return
	}
	d.onPreload(d.resolve(href))
}

func (d *Document) closeScript(tok html.Token, text string) {
	if src := attr(tok, "src"); src != "" {
		if d.onScript == nil {
			return
		}
		ds := make(map[string]string)
		for _, a := range tok.Attr {
			if k, ok := strings.CutPrefix(a.Key, "data-"); ok {
				ds[k] = a.Val
			}
		}
		d.onScript(Script{Src: d.resolve(src), Dataset: ds})
		return
	}

	if id := attr(tok, "id"); id != "" && attr(tok, "type") == "application/json" {
		d.mu.Lock()
		d.nodes[id] = text
		d.mu.Unlock()
		d.logger.Debug("data node closed", zap.String("id", id), zap.Int("bytes", len(text)))
		return
	}

	if event, ok := hxstream.SignalEvent(text); ok {
		d.Dispatch(event)
	}
}

func (d *Document) resolve(ref string) string {
	if d.base == nil {
		return ref
	}
	u, err := d.base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func (d *Document) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		d.loaded = true
		close(d.done)
	}
}

// ElementText returns the text of the closed data node with the given id.
func (d *Document) ElementText(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	text, ok := d.nodes[id]
	return text, ok
}

// Loaded reports whether parsing has finished.
func (d *Document) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Done is closed when parsing finishes.
func (d *Document) Done() <-chan struct{} {
	return d.done
}

// Fired reports whether event was dispatched.
func (d *Document) Fired(event string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired[event]
}

// Dispatch marks event as fired and notifies every listener. Listeners are
// removed as they are notified.
func (d *Document) Dispatch(event string) {
	d.mu.Lock()
	d.fired[event] = true
	ls := d.listeners[event]
	delete(d.listeners, event)
	d.mu.Unlock()

	for _, ch := range ls {
		close(ch)
	}
	d.logger.Debug("signal dispatched", zap.String("event", event), zap.Int("listeners", len(ls)))
}

// Once subscribes to the next dispatch of event. The returned channel is
// closed when the event fires, or immediately if it already fired. cancel
// removes the subscription and is safe to call more than once.
func (d *Document) Once(event string) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired[event] {
		close(ch)
		return ch, func() {}
	}

	id := d.nextID
	d.nextID++
	if d.listeners[event] == nil {
		d.listeners[event] = make(map[uint64]chan struct{})
	}
	d.listeners[event][id] = ch

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if ls := d.listeners[event]; ls != nil {
			delete(ls, id)
			if len(ls) == 0 {
				delete(d.listeners, event)
			}
		}
	}
}

// ListenerCount returns the number of live subscriptions to event.
func (d *Document) ListenerCount(event string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[event])
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
