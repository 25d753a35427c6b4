package hxstream

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/a-h/templ"
)

func renderString(t *testing.T, c templ.Component) string {
	t.Helper()
	return renderStringCtx(t, context.Background(), c)
}

func renderStringCtx(t *testing.T, ctx context.Context, c templ.Component) string {
	t.Helper()
	var buf bytes.Buffer
	if err := c.Render(ctx, &buf); err != nil {
		t.Fatalf("render: %v", err)
	}
	return buf.String()
}

func TestShellComponent(t *testing.T) {
	html := renderString(t, DefaultShell().Component([]Slot{DefaultSlot}))

	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>Streaming SSI Demo</title>",
		`<link rel="preload" as="fetch" crossorigin="use-credentials" href="/api/colors">`,
		"window._aotFetch",
		"<h1>Streaming Server-Side Include (SSI) Demo</h1>",
		"<p>" + ChunkMarker + "</p>",
		`<script src="/spa.js" data-strategy="event" data-timeout="10000" data-interval="30"`,
		`data-slots="[{&#34;id&#34;:&#34;initial-data&#34;,&#34;event&#34;:&#34;initial-data-ready&#34;}]"`,
	} {
		if !strings.Contains(html, want) {
			t.Errorf("shell missing %q", want)
		}
	}

	if strings.Contains(html, "</body>") || strings.Contains(html, "</html>") {
		t.Error("shell must leave the document open")
	}
	if strings.Index(html, `rel="preload"`) > strings.Index(html, "</head>") {
		t.Error("preload hint must be in the head")
	}
	if strings.Index(html, "window._aotFetch") > strings.Index(html, `src="/spa.js"`) {
		t.Error("ahead-of-time fetch must start before the runtime script")
	}
}

func TestShellWithoutPreload(t *testing.T) {
	shell := DefaultShell()
	shell.Preload = nil
	shell.Strategy = StrategyPoll

	html := renderString(t, shell.Component([]Slot{DefaultSlot}))
	if strings.Contains(html, "preload") || strings.Contains(html, "_aotFetch") {
		t.Error("no preload expected")
	}
	if !strings.Contains(html, `data-strategy="poll"`) {
		t.Error("strategy not announced")
	}
}

func TestShellEscapesText(t *testing.T) {
	shell := DefaultShell()
	shell.Title = "<script>x</script>"
	html := renderString(t, shell.Component(nil))
	if strings.Contains(html, "<title><script>") {
		t.Error("title not escaped")
	}
}

func TestTrailerOrder(t *testing.T) {
	html := renderString(t, Trailer(DefaultSlot, Failure(500, UpstreamErrorMessage)))

	node := strings.Index(html, `<script id="initial-data" type="application/json">`)
	nodeEnd := strings.Index(html, "</script>")
	signal := strings.Index(html, "dispatchEvent(new Event('initial-data-ready'))")
	if node != 0 || nodeEnd < node || signal < nodeEnd {
		t.Errorf("signal must follow the closed data node: %s", html)
	}
	if !strings.Contains(html, `{"status":500,"data":null,"error":"upstream error"}`) {
		t.Errorf("envelope missing: %s", html)
	}
	if !strings.Contains(html, "window['initial-data-ready']=true;") {
		t.Error("signal must record that it fired")
	}
}

func TestScriptsCarryNonce(t *testing.T) {
	ctx := templ.WithNonce(context.Background(), "n0nce")

	for name, c := range map[string]templ.Component{
		"trailer": Trailer(DefaultSlot, Success(200, nil)),
		"aot":     AOTScript([]string{"/api/colors"}),
		"shell":   DefaultShell().Component([]Slot{DefaultSlot}),
	} {
		html := renderStringCtx(t, ctx, c)
		if !strings.Contains(html, `nonce="n0nce"`) {
			t.Errorf("%s: nonce missing: %s", name, html)
		}
	}
}

func TestSignalEvent(t *testing.T) {
	script := "window['initial-data-ready']=true;dispatchEvent(new Event('initial-data-ready'))"
	event, ok := SignalEvent(script)
	if !ok || event != "initial-data-ready" {
		t.Errorf("SignalEvent = %q, %v", event, ok)
	}

	if _, ok := SignalEvent("console.log('hi')"); ok {
		t.Error("plain script is not a signal")
	}
}

func TestSignalScriptRejectsUnsafeEvent(t *testing.T) {
	for _, event := range []string{
		"",
		"ready'",
		"x'</script><script>alert(1)//",
		"a b",
		"1ready",
	} {
		t.Run(event, func(t *testing.T) {
			var buf bytes.Buffer
			if err := SignalScript(event).Render(context.Background(), &buf); err == nil {
				t.Fatalf("expected an error for event %q", event)
			}
			if buf.Len() != 0 {
				t.Errorf("wrote %q for a rejected event", buf.String())
			}
		})
	}
}
