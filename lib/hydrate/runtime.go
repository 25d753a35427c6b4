package hydrate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pthm/hxstream"
	"github.com/pthm/hxstream/lib/encoding"
	"github.com/pthm/hxstream/lib/preload"
)

// Runtime hydrates one slot and renders the result exactly once.
//
// The first call to Hydrate or FetchAPI claims the runtime; every later
// call returns immediately without rendering. A claim whose context ends
// before a result is available renders nothing.
type Runtime struct {
	slot     hxstream.Slot
	strategy Strategy
	renderer Renderer
	logger   *zap.Logger

	claimed atomic.Bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRenderer sets the renderer. Defaults to discarding views.
func WithRenderer(r Renderer) RuntimeOption {
	return func(rt *Runtime) {
		if r != nil {
			rt.renderer = r
		}
	}
}

// WithRuntimeLogger sets the logger.
func WithRuntimeLogger(l *zap.Logger) RuntimeOption {
	return func(rt *Runtime) {
		if l != nil {
			rt.logger = l
		}
	}
}

// NewRuntime creates a runtime for slot using s to wait for its data.
func NewRuntime(slot hxstream.Slot, s Strategy, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		slot:     slot,
		strategy: s,
		renderer: RendererFunc(func(View) {}),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Slot returns the slot this runtime hydrates.
func (rt *Runtime) Slot() hxstream.Slot {
	return rt.slot
}

// Rendered reports whether the runtime has been claimed.
func (rt *Runtime) Rendered() bool {
	return rt.claimed.Load()
}

// Hydrate waits for the slot's data in doc, renders it and returns the
// view. The boolean is false when this call did not render, either because
// the runtime was already claimed or because ctx ended first.
func (rt *Runtime) Hydrate(ctx context.Context, doc *Document) (View, bool) {
	if !rt.claimed.CompareAndSwap(false, true) {
		return View{}, false
	}
	rt.loading()

	text, err := rt.strategy.Await(ctx, doc)
	var view View
	switch {
	case err == nil:
		view = viewOf(rt.slot.ID, text)
	case errors.Is(err, hxstream.ErrClientTimeout):
		view = timeoutView(rt.slot.ID, err)
	default:
		rt.logger.Debug("hydration abandoned", zap.String("slot", rt.slot.ID), zap.Error(err))
		return View{}, false
	}
	return rt.render(view), true
}

// FetchAPI renders the slot from a direct API request instead of the
// streamed data node. The request is served from bridge when a preload for
// url is parked there.
func (rt *Runtime) FetchAPI(ctx context.Context, bridge *preload.Bridge, url string) (View, bool) {
	if !rt.claimed.CompareAndSwap(false, true) {
		return View{}, false
	}
	rt.loading()

	res, err := bridge.Fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return View{}, false
		}
		err = fmt.Errorf("%w: %w", hxstream.ErrUpstreamUnavailable, err)
		return rt.render(View{
			Slot:     rt.slot.ID,
			Kind:     KindUpstreamError,
			Envelope: hxstream.Failure(hxstream.StatusUnknown, err.Error()),
			Err:      err,
			Text:     "Error: " + err.Error(),
		}), true
	}
	rt.logger.Debug("api response",
		zap.String("url", url),
		zap.Int("status", res.Status),
		zap.Bool("preloaded", res.Preloaded),
	)

	if !res.OK() {
		env := hxstream.Failure(res.Status, hxstream.UpstreamErrorMessage)
		return rt.render(View{
			Slot:     rt.slot.ID,
			Kind:     KindUpstreamError,
			Envelope: env,
			Err:      env.Err(),
			Text:     fmt.Sprintf("Error: %d", res.Status),
		}), true
	}

	data, err := encoding.ToJSON(res.Header.Get("Content-Type"), res.Body)
	if err != nil {
		err = fmt.Errorf("%w: %w", hxstream.ErrInvalidPayload, err)
		return rt.render(View{Slot: rt.slot.ID, Kind: KindMalformed, Err: err, Text: "Malformed response: " + err.Error()}), true
	}

	env := hxstream.Success(res.Status, data)
	if env.IsEmpty() {
		return rt.render(View{Slot: rt.slot.ID, Kind: KindEmpty, Envelope: env, Text: EmptyMessage}), true
	}
	return rt.render(View{Slot: rt.slot.ID, Kind: KindData, Envelope: env, Text: pretty(env.Data)}), true
}

func (rt *Runtime) loading() {
	if lr, ok := rt.renderer.(LoadingRenderer); ok {
		lr.Loading(rt.slot.ID)
	}
}

func (rt *Runtime) render(v View) View {
	rt.logger.Debug("rendering view", zap.String("slot", v.Slot), zap.Stringer("kind", v.Kind))
	rt.renderer.Render(v)
	return v
}
