package hxstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pthm/hxstream/lib/upstream"
)

type fetcherFunc func(ctx context.Context, path string) (*upstream.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, path string) (*upstream.Response, error) {
	return f(ctx, path)
}

func jsonFetcher(status int, body string) fetcherFunc {
	return func(context.Context, string) (*upstream.Response, error) {
		return &upstream.Response{Status: status, ContentType: "application/json", Body: []byte(body)}, nil
	}
}

func mustResponder(t *testing.T, f Fetcher, opts ...Option) *Responder {
	t.Helper()
	rs, err := NewResponder(f, opts...)
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	return rs
}

func TestResponderSuccess(t *testing.T) {
	rs := mustResponder(t, jsonFetcher(200, `[{"name":"Cyan","color":"#00BCD4"}]`))
	result, err := TestStream(rs, "/")
	if err != nil {
		t.Fatal(err)
	}

	if result.StatusCode != http.StatusOK {
		t.Errorf("status = %d", result.StatusCode)
	}
	if ct := result.Headers.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	if len(result.Chunks) != 3 {
		t.Fatalf("expected shell, trailer and end chunks, got %d: %q", len(result.Chunks), result.Chunks)
	}
	if !result.ChunkContains(0, ChunkMarker) || result.ChunkContains(0, `id="initial-data"`) {
		t.Error("first chunk must be the shell only")
	}
	if !result.ChunkContains(1, `id="initial-data"`) {
		t.Error("second chunk must carry the trailer")
	}
	if !result.SignalFollowsData(DefaultSlot) {
		t.Error("signal must follow the data node exactly once")
	}

	env, err := result.Envelope("initial-data")
	if err != nil {
		t.Fatal(err)
	}
	if env.Status != 200 || env.Error != nil || string(env.Data) != `[{"name":"Cyan","color":"#00BCD4"}]` {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestResponderShellFlushedBeforeUpstream(t *testing.T) {
	rec := NewChunkRecorder()
	var seen []string
	rs := mustResponder(t, fetcherFunc(func(context.Context, string) (*upstream.Response, error) {
		seen = rec.FlushedChunks()
		return &upstream.Response{Status: 200, Body: []byte(`[]`)}, nil
	}))

	rs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(seen) != 1 || !strings.Contains(seen[0], ChunkMarker) {
		t.Fatalf("shell not flushed before upstream call: %q", seen)
	}
	if strings.Contains(seen[0], "</html>") {
		t.Error("document closed before trailer")
	}
}

func TestResponderOutcomes(t *testing.T) {
	packed, err := msgpack.Marshal([]map[string]string{{"name": "Teal", "color": "#009688"}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		fetcher    fetcherFunc
		wantStatus int
		wantError  string
		wantData   string
	}{
		{
			name:       "rejected",
			fetcher:    jsonFetcher(500, `{"message":"boom"}`),
			wantStatus: 500,
			wantError:  "upstream error",
		},
		{
			name:       "not found",
			fetcher:    jsonFetcher(404, ``),
			wantStatus: 404,
			wantError:  "upstream error",
		},
		{
			name: "unavailable",
			fetcher: func(context.Context, string) (*upstream.Response, error) {
				return nil, fmt.Errorf("%w: dial tcp 127.0.0.1:2345: connect: connection refused", upstream.ErrUnavailable)
			},
			wantStatus: StatusUnknown,
			wantError:  "connection refused",
		},
		{
			name: "body too large",
			fetcher: func(context.Context, string) (*upstream.Response, error) {
				return nil, fmt.Errorf("%w: %w (8388608 bytes)", upstream.ErrUnavailable, upstream.ErrBodyTooLarge)
			},
			wantStatus: StatusUnknown,
			wantError:  "body exceeds size limit",
		},
		{
			name:       "invalid payload",
			fetcher:    jsonFetcher(200, `{not json`),
			wantStatus: 200,
			wantError:  "invalid upstream payload",
		},
		{
			name: "msgpack",
			fetcher: func(context.Context, string) (*upstream.Response, error) {
				return &upstream.Response{Status: 200, ContentType: "application/msgpack", Body: packed}, nil
			},
			wantStatus: 200,
			wantData:   `[{"color":"#009688","name":"Teal"}]`,
		},
		{
			name: "json labeled text/plain",
			fetcher: func(context.Context, string) (*upstream.Response, error) {
				return &upstream.Response{Status: 200, ContentType: "text/plain; charset=utf-8", Body: []byte(`[{"name":"Cyan","color":"#00BCD4"}]`)}, nil
			},
			wantStatus: 200,
			wantData:   `[{"name":"Cyan","color":"#00BCD4"}]`,
		},
		{
			name: "html body",
			fetcher: func(context.Context, string) (*upstream.Response, error) {
				return &upstream.Response{Status: 200, ContentType: "text/html", Body: []byte(`<html></html>`)}, nil
			},
			wantStatus: 200,
			wantError:  "unsupported content type",
		},
		{
			name:       "empty",
			fetcher:    jsonFetcher(200, `[]`),
			wantStatus: 200,
			wantData:   `[]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := TestStream(mustResponder(t, tt.fetcher), "/")
			if err != nil {
				t.Fatal(err)
			}
			env, err := result.Envelope(DefaultSlot.ID)
			if err != nil {
				t.Fatal(err)
			}
			if env.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", env.Status, tt.wantStatus)
			}
			if tt.wantError != "" {
				if env.Error == nil || !strings.Contains(*env.Error, tt.wantError) {
					t.Errorf("error = %v, want %q", env.Error, tt.wantError)
				}
				if env.Data != nil {
					t.Errorf("failed envelope carries data %s", env.Data)
				}
				if strings.Contains(env.Message(), "hxstream:") {
					t.Errorf("error leaks sentinel prefix: %q", env.Message())
				}
			}
			if tt.wantData != "" {
				if string(env.Data) != tt.wantData {
					t.Errorf("data = %s, want %s", env.Data, tt.wantData)
				}
				if env.Error != nil {
					t.Errorf("successful envelope carries error %q", *env.Error)
				}
			}
			if !result.SignalFollowsData(DefaultSlot) {
				t.Error("signal must be sent on every outcome")
			}
			if !result.HTMLContains("</html>") {
				t.Error("document must complete on every outcome")
			}
		})
	}
}

func TestResponderStateSequence(t *testing.T) {
	var mu sync.Mutex
	var states []State
	rs := mustResponder(t, jsonFetcher(503, ``),
		WithStateObserver(func(_ string, s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)
	if _, err := TestStream(rs, "/"); err != nil {
		t.Fatal(err)
	}

	want := []State{StateShellSent, StateAwaitingUpstream, StateUpstreamFail, StateTrailerSent, StateClosed}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestResponderMultipleSlots(t *testing.T) {
	slots := []Slot{
		{ID: "colors", Event: "colors-ready", Path: "/api/colors"},
		{ID: "sizes", Event: "sizes-ready", Path: "/api/sizes"},
	}
	var paths []string
	var states []State
	rs := mustResponder(t,
		fetcherFunc(func(_ context.Context, path string) (*upstream.Response, error) {
			paths = append(paths, path)
			if path == "/api/sizes" {
				return &upstream.Response{Status: 502}, nil
			}
			return &upstream.Response{Status: 200, Body: []byte(`["red"]`)}, nil
		}),
		WithSlots(slots...),
		WithStateObserver(func(_ string, s State) { states = append(states, s) }),
	)

	result, err := TestStream(rs, "/")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(paths, []string{"/api/colors", "/api/sizes"}) {
		t.Errorf("upstream calls = %v", paths)
	}
	if len(result.Chunks) != 4 {
		t.Errorf("expected 4 chunks, got %d", len(result.Chunks))
	}
	for _, s := range slots {
		if !result.SignalFollowsData(s) {
			t.Errorf("slot %s: signal must follow data", s.ID)
		}
	}
	sizes, err := result.Envelope("sizes")
	if err != nil || sizes.Status != 502 {
		t.Errorf("sizes envelope = %+v, %v", sizes, err)
	}

	want := []State{
		StateShellSent,
		StateAwaitingUpstream, StateUpstreamOK, StateTrailerSent,
		StateAwaitingUpstream, StateUpstreamFail, StateTrailerSent,
		StateClosed,
	}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestResponderClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var states []State
	rs := mustResponder(t,
		fetcherFunc(func(ctx context.Context, _ string) (*upstream.Response, error) {
			cancel()
			<-ctx.Done()
			return nil, fmt.Errorf("%w: %w", upstream.ErrUnavailable, ctx.Err())
		}),
		WithStateObserver(func(_ string, s State) { states = append(states, s) }),
	)

	result, err := TestStreamWithContext(ctx, rs, "/")
	if err != nil {
		t.Fatal(err)
	}
	if result.HTMLContains(`id="initial-data"`) {
		t.Error("no trailer may be written after the client left")
	}
	if len(states) == 0 || states[len(states)-1] != StateClosed {
		t.Errorf("stream must end CLOSED, got %v", states)
	}
}

func TestResponderHead(t *testing.T) {
	called := false
	rs := mustResponder(t, fetcherFunc(func(context.Context, string) (*upstream.Response, error) {
		called = true
		return nil, errors.New("unexpected")
	}))

	rec := httptest.NewRecorder()
	rs.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("HEAD: code %d, body %d bytes", rec.Code, rec.Body.Len())
	}
	if called {
		t.Error("HEAD must not call upstream")
	}
}

func TestResponderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	for _, f := range []fetcherFunc{jsonFetcher(200, `[]`), jsonFetcher(500, ``), jsonFetcher(200, `[]`)} {
		if _, err := TestStream(mustResponder(t, f, WithMetrics(m)), "/"); err != nil {
			t.Fatal(err)
		}
	}

	if got := testutil.ToFloat64(m.slots.WithLabelValues("initial-data", OutcomeOK)); got != 2 {
		t.Errorf("ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.slots.WithLabelValues("initial-data", OutcomeRejected)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestNewResponderValidation(t *testing.T) {
	if _, err := NewResponder(nil); err == nil {
		t.Error("nil fetcher should be rejected")
	}
	if _, err := NewResponder(jsonFetcher(200, ``), WithSlots(Slot{ID: "x", Event: "x y", Path: "/x"})); err == nil {
		t.Error("invalid slot should be rejected")
	}
}

func TestChunkWriterGuards(t *testing.T) {
	t.Run("write after close", func(t *testing.T) {
		defer func() {
			if v := recover(); v != ErrStreamClosed {
				t.Errorf("recovered %v, want ErrStreamClosed", v)
			}
		}()
		cw := &chunkWriter{w: httptest.NewRecorder(), state: StateClosed}
		_ = cw.writeChunk(context.Background(), SignalScript("late"))
	})

	t.Run("illegal transition", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		cw := &chunkWriter{w: httptest.NewRecorder()}
		cw.transition(StateTrailerSent)
	})
}
