package hxstream

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pthm/hxstream/lib/encoding"
	"github.com/pthm/hxstream/lib/upstream"
)

// Fetcher is the upstream source a Responder waits on. *upstream.Client
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*upstream.Response, error)
}

// Responder streams one progressively hydrated document per request.
//
// Each response is written in order by the request goroutine alone:
//
//  1. headers and the shell, flushed before the upstream call starts
//  2. one trailer per slot: the data node, then its readiness signal
//  3. the closing tags
//
// Upstream failures never escape as HTTP errors. They are folded into the
// slot's envelope so the page always completes.
type Responder struct {
	fetcher Fetcher
	shell   Shell
	slots   []Slot
	logger  *zap.Logger
	metrics *Metrics
	observe func(requestID string, s State)
}

// Option configures a Responder.
type Option func(*Responder)

// WithShell replaces the default shell.
func WithShell(s Shell) Option {
	return func(rs *Responder) {
		rs.shell = s
	}
}

// WithSlots replaces the default single slot. Trailers are written in the
// order given.
func WithSlots(slots ...Slot) Option {
	return func(rs *Responder) {
		rs.slots = append([]Slot(nil), slots...)
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(rs *Responder) {
		if l != nil {
			rs.logger = l
		}
	}
}

// WithMetrics records stream metrics.
func WithMetrics(m *Metrics) Option {
	return func(rs *Responder) {
		rs.metrics = m
	}
}

// WithStateObserver calls fn on every state change of every stream.
func WithStateObserver(fn func(requestID string, s State)) Option {
	return func(rs *Responder) {
		rs.observe = fn
	}
}

// NewResponder creates a Responder reading from f.
func NewResponder(f Fetcher, opts ...Option) (*Responder, error) {
	if f == nil {
		return nil, fmt.Errorf("hxstream: fetcher is required")
	}
	rs := &Responder{
		fetcher: f,
		shell:   DefaultShell(),
		slots:   []Slot{DefaultSlot},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rs)
	}
	if err := validateSlots(rs.slots); err != nil {
		return nil, fmt.Errorf("hxstream: %w", err)
	}
	return rs, nil
}

// Slots returns the configured slots.
func (rs *Responder) Slots() []Slot {
	return append([]Slot(nil), rs.slots...)
}

// ServeHTTP implements http.Handler.
func (rs *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log := rs.logger.With(zap.String("request_id", id))
	ctx := r.Context()

	var observe func(State)
	if rs.observe != nil {
		observe = func(s State) { rs.observe(id, s) }
	}
	cw := &chunkWriter{w: w, observe: observe}

	SetStreamingHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	if !IsStreamingRequest(r) {
		cw.abort()
		return
	}

	rs.metrics.streamStarted()
	defer rs.metrics.streamFinished()

	if err := cw.writeChunk(ctx, rs.shell.Component(rs.slots)); err != nil {
		log.Debug("client went away before shell was sent", zap.Error(err))
		cw.abort()
		return
	}
	cw.transition(StateShellSent)

	for _, slot := range rs.slots {
		cw.transition(StateAwaitingUpstream)
		start := time.Now()
		env, outcome := rs.resolve(ctx, slot, log)
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			rs.metrics.observeSlot(slot.ID, OutcomeAborted, elapsed)
			log.Debug("client went away while awaiting upstream", zap.String("slot", slot.ID))
			cw.abort()
			return
		}
		rs.metrics.observeSlot(slot.ID, outcome, elapsed)

		if env.OK() {
			cw.transition(StateUpstreamOK)
		} else {
			cw.transition(StateUpstreamFail)
		}
		if err := cw.writeChunk(ctx, Trailer(slot, env)); err != nil {
			log.Debug("client went away before trailer was sent", zap.String("slot", slot.ID), zap.Error(err))
			cw.abort()
			return
		}
		cw.transition(StateTrailerSent)

		log.Info("trailer sent",
			zap.String("slot", slot.ID),
			zap.String("outcome", outcome),
			zap.Int("status", env.Status),
			zap.Duration("upstream_elapsed", elapsed),
		)
	}

	if err := cw.writeChunk(ctx, documentEnd()); err != nil {
		log.Debug("client went away before document end", zap.Error(err))
	}
	cw.transition(StateClosed)
}

// resolve makes the single upstream call for slot and classifies the
// result into an envelope.
func (rs *Responder) resolve(ctx context.Context, slot Slot, log *zap.Logger) (Envelope, string) {
	res, err := rs.fetcher.Fetch(ctx, slot.Path)
	if err != nil {
		err = wrapUpstreamError(err)
		log.Warn("upstream unavailable", zap.String("slot", slot.ID), zap.Error(err))
		return Failure(StatusUnknown, unwrapMessage(err)), OutcomeUnavailable
	}
	if !res.OK() {
		log.Warn("upstream rejected request", zap.String("slot", slot.ID), zap.Int("status", res.Status))
		return Failure(res.Status, UpstreamErrorMessage), OutcomeRejected
	}

	data, err := encoding.ToJSON(res.ContentType, res.Body)
	if err != nil {
		err = wrapUpstreamError(err)
		log.Warn("upstream payload rejected", zap.String("slot", slot.ID), zap.Error(err))
		return Failure(res.Status, "invalid upstream payload: "+unwrapMessage(err)), OutcomeInvalid
	}
	return Success(res.Status, data), OutcomeOK
}

// unwrapMessage strips the package sentinel prefix so the envelope carries
// the cause as the upstream layer reported it.
func unwrapMessage(err error) string {
	type unwrapper interface{ Unwrap() []error }
	if u, ok := err.(unwrapper); ok {
		errs := u.Unwrap()
		if len(errs) == 2 {
			return errs[1].Error()
		}
	}
	return err.Error()
}

// chunkWriter is the only writer of one response body. It enforces the
// state machine and writes each stage as a single flushed chunk.
type chunkWriter struct {
	w       http.ResponseWriter
	state   State
	observe func(State)
}

func (cw *chunkWriter) transition(next State) {
	if !cw.state.CanTransition(next) {
		panic(fmt.Sprintf("hxstream: illegal stream transition %s -> %s", cw.state, next))
	}
	cw.set(next)
}

func (cw *chunkWriter) abort() {
	if cw.state != StateClosed {
		cw.set(StateClosed)
	}
}

func (cw *chunkWriter) set(s State) {
	cw.state = s
	if cw.observe != nil {
		cw.observe(s)
	}
}

// writeChunk renders c fully before writing it, so a chunk never reaches
// the wire half-rendered, then flushes.
func (cw *chunkWriter) writeChunk(ctx context.Context, c templ.Component) error {
	if !cw.state.Writable() {
		panic(ErrStreamClosed)
	}
	var buf bytes.Buffer
	if err := c.Render(ctx, &buf); err != nil {
		return err
	}
	if _, err := cw.w.Write(buf.Bytes()); err != nil {
		return err
	}
	return Flush(cw.w)
}
