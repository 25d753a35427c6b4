package hxstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/a-h/templ"
)

// Hydration strategies understood by the runtime script.
const (
	StrategyEvent = "event"
	StrategyPoll  = "poll"
)

// Defaults shared by the server-rendered shell and the Go runtime.
const (
	DefaultHydrateTimeout = 10 * time.Second
	DefaultPollInterval   = 30 * time.Millisecond
	DefaultScriptSrc      = "/spa.js"
)

// ChunkMarker closes the shell chunk. The runtime script prints a matching
// marker after rendering the trailer, which makes chunk boundaries visible
// in the demo page.
const ChunkMarker = "Streamed Chunk 1 END"

// Shell is the static first chunk of a streamed document.
//
// Everything in it is known before the upstream call starts, so the browser
// can parse the head, start the preloads and fetch the runtime script while
// the server is still waiting.
type Shell struct {
	Title        string
	Heading      string
	ScriptSrc    string
	Strategy     string
	Timeout      time.Duration
	PollInterval time.Duration

	// Preload lists same-origin URLs to announce with
	// <link rel="preload" as="fetch"> before any script runs.
	Preload []string
}

// DefaultShell returns the demo shell.
func DefaultShell() Shell {
	return Shell{
		Title:        "Streaming SSI Demo",
		Heading:      "Streaming Server-Side Include (SSI) Demo",
		ScriptSrc:    DefaultScriptSrc,
		Strategy:     StrategyEvent,
		Timeout:      DefaultHydrateTimeout,
		PollInterval: DefaultPollInterval,
		Preload:      []string{DefaultSlot.Path},
	}
}

// slotRef is the runtime script's view of a slot.
type slotRef struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

// Component renders the shell for the given slots. The document is left
// open: trailers and the closing tags follow in later chunks.
func (s Shell) Component(slots []Slot) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var sb strings.Builder
		sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
		sb.WriteString(`  <meta charset="utf-8">` + "\n")
		sb.WriteString("  <title>" + templ.EscapeString(s.Title) + "</title>\n")
		if _, err := io.WriteString(w, sb.String()); err != nil {
			return err
		}

		if len(s.Preload) > 0 {
			for _, url := range s.Preload {
				if _, err := io.WriteString(w, "  "); err != nil {
					return err
				}
				if err := PreloadLink(url).Render(ctx, w); err != nil {
					return err
				}
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, "  "); err != nil {
				return err
			}
			if err := AOTScript(s.Preload).Render(ctx, w); err != nil {
				return err
			}
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}

		refs := make([]slotRef, 0, len(slots))
		for _, slot := range slots {
			refs = append(refs, slotRef{ID: slot.ID, Event: slot.Event})
		}
		slotJSON, err := json.Marshal(refs)
		if err != nil {
			return err
		}

		sb.Reset()
		sb.WriteString("</head>\n<body>\n")
		sb.WriteString("  <h1>" + templ.EscapeString(s.Heading) + "</h1>\n")
		sb.WriteString("  <p>" + ChunkMarker + "</p>\n")
		sb.WriteString("  <hr/>\n")
		fmt.Fprintf(&sb, `  <script src="%s" data-strategy="%s" data-timeout="%s" data-interval="%s" data-slots="%s"%s></script>`+"\n",
			templ.EscapeString(s.ScriptSrc),
			templ.EscapeString(s.Strategy),
			strconv.FormatInt(s.Timeout.Milliseconds(), 10),
			strconv.FormatInt(s.PollInterval.Milliseconds(), 10),
			templ.EscapeString(string(slotJSON)),
			nonceAttr(ctx),
		)
		_, err = io.WriteString(w, sb.String())
		return err
	})
}

// PreloadLink renders the transport-level preload hint for url. The
// crossorigin mode matches the credentials the runtime fetches with, so the
// browser can hand the preloaded response to that fetch.
func PreloadLink(url string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<link rel="preload" as="fetch" crossorigin="use-credentials" href="%s">`, templ.EscapeString(url))
		return err
	})
}

// AOTScript renders the inline head script that starts a credentialed fetch
// per URL and parks the promise in window._aotFetch for the first consumer.
func AOTScript(urls []string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		// json.Marshal escapes <, > and &, so the list is safe inside <script>.
		list, err := json.Marshal(urls)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w,
			`<script%s>window._aotFetch=window._aotFetch||{};%s.forEach(function(u){window._aotFetch[u]=fetch(u,{credentials:'include'})});</script>`,
			nonceAttr(ctx), list)
		return err
	})
}

// DataNode renders the envelope as inline JSON under id.
func DataNode(id string, env Envelope) templ.Component {
	return templ.JSONScript(id, env)
}

// SignalScript renders the readiness signal for event. It records the
// signal on window before dispatching so a listener attached later can
// still tell it already fired.
//
// The event name is written into a script body as-is, so rendering fails
// with an error for names outside [A-Za-z][A-Za-z0-9:_-]*.
func SignalScript(event string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if !identPattern.MatchString(event) {
			return fmt.Errorf("hxstream: signal event %q: must match %s", event, identPattern)
		}
		_, err := fmt.Fprintf(w, `<script%s>window['%s']=true;dispatchEvent(new Event('%s'))</script>`,
			nonceAttr(ctx), event, event)
		return err
	})
}

// Trailer renders one trailer chunk: the data node, then the signal. The
// signal is never written before the data node is complete.
func Trailer(slot Slot, env Envelope) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := DataNode(slot.ID, env).Render(ctx, w); err != nil {
			return err
		}
		return SignalScript(slot.Event).Render(ctx, w)
	})
}

// documentEnd closes the elements the shell left open.
func documentEnd() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "\n</body>\n</html>\n")
		return err
	})
}

var signalPattern = regexp.MustCompile(`dispatchEvent\(new Event\('([A-Za-z][A-Za-z0-9:_-]*)'\)\)`)

// SignalEvent extracts the event name from the text of a signal script.
func SignalEvent(script string) (string, bool) {
	m := signalPattern.FindStringSubmatch(script)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func nonceAttr(ctx context.Context) string {
	if nonce := templ.GetNonce(ctx); nonce != "" {
		return ` nonce="` + templ.EscapeString(nonce) + `"`
	}
	return ""
}
