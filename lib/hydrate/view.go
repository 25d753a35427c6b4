package hydrate

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pthm/hxstream"
)

// Kind classifies what a runtime rendered.
type Kind int

const (
	KindData Kind = iota
	KindEmpty
	KindUpstreamError
	KindTimeout
	KindMalformed
)

var kindNames = [...]string{"data", "empty", "error", "timeout", "malformed"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// EmptyMessage is rendered for a successful envelope without data.
const EmptyMessage = "No colors found"

// StreamEndMarker follows a rendered data view, the counterpart of
// hxstream.ChunkMarker in the shell.
const StreamEndMarker = "Streamed Chunk 2 END"

// View is the rendered outcome of one slot.
type View struct {
	Slot     string
	Kind     Kind
	Envelope hxstream.Envelope
	Err      error
	Text     string
}

func (v View) String() string {
	return v.Text
}

// viewOf classifies a data node's text. Each kind gets its own message so a
// timeout can never be mistaken for an upstream failure.
func viewOf(slot, text string) View {
	env, err := hxstream.ParseEnvelope(text)
	if err != nil {
		return View{Slot: slot, Kind: KindMalformed, Err: err, Text: "Malformed initial data: " + err.Error()}
	}
	if !env.OK() {
		return View{
			Slot:     slot,
			Kind:     KindUpstreamError,
			Envelope: env,
			Err:      env.Err(),
			Text:     fmt.Sprintf("Error: %s (status %d)", env.Message(), env.Status),
		}
	}
	if env.IsEmpty() {
		return View{Slot: slot, Kind: KindEmpty, Envelope: env, Text: EmptyMessage}
	}
	return View{Slot: slot, Kind: KindData, Envelope: env, Text: pretty(env)}
}

func timeoutView(slot string, err error) View {
	return View{Slot: slot, Kind: KindTimeout, Err: err, Text: "Error: " + err.Error()}
}

func pretty(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// LoadingMessage is shown while a runtime waits for its data.
const LoadingMessage = "Loading..."

// Renderer displays views.
type Renderer interface {
	Render(View)
}

// LoadingRenderer is implemented by renderers that show a placeholder while
// a runtime waits. Loading is called at most once per runtime, when the
// runtime is claimed and before its one Render. A claim abandoned because
// its context ended gets a Loading call and no Render.
type LoadingRenderer interface {
	Renderer
	Loading(slot string)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(View)

// Render implements Renderer.
func (f RendererFunc) Render(v View) {
	f(v)
}

// TextRenderer writes each view to w as a labeled text block, preceded by a
// loading line for its slot. Data views are followed by StreamEndMarker.
func TextRenderer(w io.Writer) LoadingRenderer {
	return &textRenderer{w: w}
}

type textRenderer struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *textRenderer) Loading(slot string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "[%s] %s\n", slot, LoadingMessage)
}

func (r *textRenderer) Render(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "[%s] %s\n", v.Slot, v.Kind)
	fmt.Fprintln(r.w, v.Text)
	if v.Kind == KindData {
		fmt.Fprintln(r.w, StreamEndMarker)
	}
}
