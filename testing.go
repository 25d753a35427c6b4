package hxstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
)

// StreamResult holds a streamed response captured for testing.
//
// Chunks holds the body split at flush boundaries, so tests can assert on
// what the client could see at each stage:
//
//	result, err := hxstream.TestStream(reg.Handler(), "/")
//	if !strings.Contains(result.Chunks[0], hxstream.ChunkMarker) {
//	    t.Fatal("shell missing from first chunk")
//	}
type StreamResult struct {
	HTML       string
	Chunks     []string
	StatusCode int
	Headers    http.Header
}

// ChunkRecorder is an httptest.ResponseRecorder that remembers where the
// handler flushed.
type ChunkRecorder struct {
	*httptest.ResponseRecorder

	mu      sync.Mutex
	pending bytes.Buffer
	chunks  []string
}

// NewChunkRecorder returns an initialized ChunkRecorder.
func NewChunkRecorder() *ChunkRecorder {
	return &ChunkRecorder{ResponseRecorder: httptest.NewRecorder()}
}

// Write records b as part of the current chunk.
func (c *ChunkRecorder) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.pending.Write(b)
	c.mu.Unlock()
	return c.ResponseRecorder.Write(b)
}

// Flush closes the current chunk.
func (c *ChunkRecorder) Flush() {
	c.mu.Lock()
	if c.pending.Len() > 0 {
		c.chunks = append(c.chunks, c.pending.String())
		c.pending.Reset()
	}
	c.mu.Unlock()
	c.ResponseRecorder.Flush()
}

// Chunks returns the flushed chunks, plus any unflushed remainder as a
// final chunk.
func (c *ChunkRecorder) Chunks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.chunks...)
	if c.pending.Len() > 0 {
		out = append(out, c.pending.String())
	}
	return out
}

// FlushedChunks returns only the chunks closed by a flush so far.
func (c *ChunkRecorder) FlushedChunks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

// TestStream performs a GET against h and captures the streamed response.
func TestStream(h http.Handler, target string) (*StreamResult, error) {
	return TestStreamWithContext(context.Background(), h, target)
}

// TestStreamWithContext is TestStream with a caller-supplied request
// context, for example one that is canceled mid-stream.
func TestStreamWithContext(ctx context.Context, h http.Handler, target string) (*StreamResult, error) {
	if h == nil {
		return nil, fmt.Errorf("hxstream: handler is nil")
	}
	req := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	rec := NewChunkRecorder()
	h.ServeHTTP(rec, req)

	return &StreamResult{
		HTML:       rec.Body.String(),
		Chunks:     rec.Chunks(),
		StatusCode: rec.Code,
		Headers:    rec.Header(),
	}, nil
}

// HTMLContains checks if the captured document contains substr.
func (r *StreamResult) HTMLContains(substr string) bool {
	return strings.Contains(r.HTML, substr)
}

// HTMLContainsAll checks if the captured document contains all substrings.
func (r *StreamResult) HTMLContainsAll(substrs ...string) bool {
	for _, s := range substrs {
		if !strings.Contains(r.HTML, s) {
			return false
		}
	}
	return true
}

// ChunkContains checks if chunk i contains substr.
func (r *StreamResult) ChunkContains(i int, substr string) bool {
	if i < 0 || i >= len(r.Chunks) {
		return false
	}
	return strings.Contains(r.Chunks[i], substr)
}

// Envelope extracts and parses the data node with the given id.
func (r *StreamResult) Envelope(id string) (Envelope, error) {
	text, ok := DataNodeText(r.HTML, id)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: no data node %q", ErrMalformedEnvelope, id)
	}
	return ParseEnvelope(text)
}

// SignalFollowsData reports whether the readiness signal of slot appears,
// exactly once, after its data node is closed.
func (r *StreamResult) SignalFollowsData(slot Slot) bool {
	loc := dataNodePattern(slot.ID).FindStringIndex(r.HTML)
	if loc == nil {
		return false
	}
	signal := fmt.Sprintf("dispatchEvent(new Event('%s'))", slot.Event)
	if strings.Count(r.HTML, signal) != 1 {
		return false
	}
	return strings.Index(r.HTML, signal) > loc[1]
}

// DataNodeText returns the text of the data node with the given id in a
// rendered document.
func DataNodeText(html, id string) (string, bool) {
	m := dataNodePattern(id).FindStringSubmatch(html)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func dataNodePattern(id string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)<script id="` + regexp.QuoteMeta(id) + `" type="application/json"[^>]*>(.*?)</script>`)
}
