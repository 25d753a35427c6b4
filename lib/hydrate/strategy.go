package hydrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pthm/hxstream"
)

// Strategy waits until the data node of one slot is usable and returns its
// text.
type Strategy interface {
	Await(ctx context.Context, doc *Document) (string, error)
}

// EventDriven checks for the data right away and otherwise waits for the
// slot's readiness signal, giving up after Timeout.
//
// The immediate check covers a trailer that arrived before the runtime
// started: either the signal already fired, or the document finished
// loading with the node in it. The subscription and the timer cancel each
// other, so nothing is left registered once Await returns.
type EventDriven struct {
	ID      string
	Event   string
	Timeout time.Duration
}

// Await implements Strategy.
func (s EventDriven) Await(ctx context.Context, doc *Document) (string, error) {
	if text, ok := s.ready(doc); ok {
		return text, nil
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = hxstream.DefaultHydrateTimeout
	}

	fired, cancel := doc.Once(s.Event)
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-fired:
		text, _ := doc.ElementText(s.ID)
		return text, nil
	case <-timer.C:
		return "", fmt.Errorf("%w: no %q signal after %s", hxstream.ErrClientTimeout, s.Event, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s EventDriven) ready(doc *Document) (string, bool) {
	text, present := doc.ElementText(s.ID)
	if doc.Fired(s.Event) || (present && doc.Loaded()) {
		return text, true
	}
	return "", false
}

// Polling checks every Interval for a non-empty data node and needs no
// signal at all. It gives up after Timeout.
type Polling struct {
	ID       string
	Interval time.Duration
	Timeout  time.Duration
}

// Await implements Strategy.
func (s Polling) Await(ctx context.Context, doc *Document) (string, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = hxstream.DefaultPollInterval
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = hxstream.DefaultHydrateTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if text, ok := doc.ElementText(s.ID); ok && strings.TrimSpace(text) != "" {
			return text, nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return "", fmt.Errorf("%w: no %q node after %s", hxstream.ErrClientTimeout, s.ID, timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// NewStrategy builds the strategy named by name ("event" or "poll") for
// slot.
func NewStrategy(name string, slot hxstream.Slot, timeout, interval time.Duration) (Strategy, error) {
	switch name {
	case hxstream.StrategyEvent, "":
		return EventDriven{ID: slot.ID, Event: slot.Event, Timeout: timeout}, nil
	case hxstream.StrategyPoll:
		return Polling{ID: slot.ID, Interval: interval, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("hydrate: unknown strategy %q", name)
	}
}
