package hydrate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pthm/hxstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func renderTrailer(t *testing.T, slot hxstream.Slot, env hxstream.Envelope) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, hxstream.Trailer(slot, env).Render(context.Background(), &buf))
	return buf.String()
}

func cyan() hxstream.Envelope {
	return hxstream.Success(200, json.RawMessage(`[{"name":"Cyan","color":"#00BCD4"}]`))
}

func TestDocumentRecordsTrailer(t *testing.T) {
	page := "<html><body>" + renderTrailer(t, hxstream.DefaultSlot, cyan()) + "</body></html>"

	doc := NewDocument()
	require.NoError(t, doc.Parse(strings.NewReader(page)))

	text, ok := doc.ElementText("initial-data")
	require.True(t, ok)
	env, err := hxstream.ParseEnvelope(text)
	require.NoError(t, err)
	assert.Equal(t, 200, env.Status)
	assert.JSONEq(t, `[{"name":"Cyan","color":"#00BCD4"}]`, string(env.Data))

	assert.True(t, doc.Fired("initial-data-ready"))
	assert.True(t, doc.Loaded())
	select {
	case <-doc.Done():
	default:
		t.Fatal("Done not closed after Parse")
	}
}

func TestDocumentNodeVisibleOnlyWhenClosed(t *testing.T) {
	pr, pw := io.Pipe()
	doc := NewDocument()
	parsed := make(chan error, 1)
	go func() { parsed <- doc.Parse(pr) }()

	_, err := pw.Write([]byte(`<script id="initial-data" type="application/json">{"status":200,`))
	require.NoError(t, err)
	_, ok := doc.ElementText("initial-data")
	assert.False(t, ok, "partial node must not be visible")

	_, err = pw.Write([]byte(`"data":[],"error":null}</script>`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := doc.ElementText("initial-data")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.False(t, doc.Loaded())

	require.NoError(t, pw.Close())
	require.NoError(t, <-parsed)
	assert.True(t, doc.Loaded())
}

func TestDocumentOnce(t *testing.T) {
	doc := NewDocument()

	fired, cancel := doc.Once("ready")
	defer cancel()
	assert.Equal(t, 1, doc.ListenerCount("ready"))

	doc.Dispatch("ready")
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
	assert.Equal(t, 0, doc.ListenerCount("ready"))

	// A subscription after the fact resolves immediately.
	late, lateCancel := doc.Once("ready")
	defer lateCancel()
	select {
	case <-late:
	default:
		t.Fatal("late subscription not resolved")
	}
	assert.Equal(t, 0, doc.ListenerCount("ready"))
}

func TestDocumentOnceCancel(t *testing.T) {
	doc := NewDocument()
	_, cancel := doc.Once("ready")
	_, cancel2 := doc.Once("ready")
	assert.Equal(t, 2, doc.ListenerCount("ready"))

	cancel()
	cancel()
	assert.Equal(t, 1, doc.ListenerCount("ready"))
	cancel2()
	assert.Equal(t, 0, doc.ListenerCount("ready"))
}

func TestDocumentHooks(t *testing.T) {
	base, err := url.Parse("http://localhost:8080/")
	require.NoError(t, err)

	var shell bytes.Buffer
	require.NoError(t, hxstream.DefaultShell().Component([]hxstream.Slot{hxstream.DefaultSlot}).Render(context.Background(), &shell))

	var preloads []string
	var scripts []Script
	doc := NewDocument(
		WithBaseURL(base),
		OnPreload(func(u string) { preloads = append(preloads, u) }),
		OnScript(func(s Script) { scripts = append(scripts, s) }),
	)
	require.NoError(t, doc.Parse(&shell))

	assert.Equal(t, []string{"http://localhost:8080/api/colors"}, preloads)
	require.Len(t, scripts, 1)
	assert.Equal(t, "http://localhost:8080/spa.js", scripts[0].Src)
	assert.Equal(t, "event", scripts[0].Dataset["strategy"])
	assert.Equal(t, "10000", scripts[0].Dataset["timeout"])
	assert.Equal(t, "30", scripts[0].Dataset["interval"])
	assert.JSONEq(t, `[{"id":"initial-data","event":"initial-data-ready"}]`, scripts[0].Dataset["slots"])
}

func TestDocumentIgnoresOtherScripts(t *testing.T) {
	page := `<script>console.log("hi")</script>` +
		`<script type="application/json">{"status":200}</script>` +
		`<link rel="stylesheet" href="/app.css">`

	var preloads int
	doc := NewDocument(OnPreload(func(string) { preloads++ }))
	require.NoError(t, doc.Parse(strings.NewReader(page)))

	assert.Zero(t, preloads)
	_, ok := doc.ElementText("")
	assert.False(t, ok)
}
