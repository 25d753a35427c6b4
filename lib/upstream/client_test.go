package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:2345", "ftp://example.com", "http://"} {
		_, err := New(raw)
		assert.Error(t, err, raw)
	}

	c, err := New(" http://localhost:2345 ")
	require.NoError(t, err)
	assert.Equal(t, "localhost:2345", c.BaseURL().Host)
}

func TestResolve(t *testing.T) {
	c, err := New("http://localhost:2345/base/")
	require.NoError(t, err)

	u, err := c.Resolve("/api/colors")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:2345/api/colors", u.String())

	u, err = c.Resolve("api/colors")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:2345/base/api/colors", u.String())
}

func TestFetchSuccess(t *testing.T) {
	var gotAccept, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"Cyan","color":"#00BCD4"}]`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithHeader("Authorization", "Bearer demo"))
	require.NoError(t, err)

	res, err := c.Fetch(context.Background(), "/api/colors")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, "application/json", res.ContentType)
	assert.JSONEq(t, `[{"name":"Cyan","color":"#00BCD4"}]`, string(res.Body))
	assert.Contains(t, gotAccept, "application/json")
	assert.Equal(t, "Bearer demo", gotAuth)
}

func TestFetchNon2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	res, err := c.Fetch(context.Background(), "/api/colors")
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusInternalServerError, res.Status)
}

func TestFetchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := New(addr)
	require.NoError(t, err)

	res, err := c.Fetch(context.Background(), "/api/colors")
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestFetchBodyLimit(t *testing.T) {
	body := `[{"name":"Cyan","color":"#00BCD4"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithMaxBodyBytes(int64(len(body))))
	require.NoError(t, err)
	res, err := c.Fetch(context.Background(), "/api/colors")
	require.NoError(t, err)
	assert.Equal(t, body, string(res.Body))

	c, err = New(srv.URL, WithMaxBodyBytes(int64(len(body)-1)))
	require.NoError(t, err)
	res, err = c.Fetch(context.Background(), "/api/colors")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "/slow")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchRecordsSpan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	c, err := New(srv.URL, WithTracerProvider(tp))
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), "/api/colors")
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "upstream.fetch", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
