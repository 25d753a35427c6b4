package hxstream

import "fmt"

// State is a position in the lifecycle of one streamed response.
//
//	INIT → SHELL_SENT → AWAITING_UPSTREAM → {UPSTREAM_OK | UPSTREAM_FAIL}
//	     → TRAILER_SENT → CLOSED
//
// With more than one slot, TRAILER_SENT loops back to AWAITING_UPSTREAM
// once per additional slot before the stream closes.
type State int

const (
	StateInit State = iota
	StateShellSent
	StateAwaitingUpstream
	StateUpstreamOK
	StateUpstreamFail
	StateTrailerSent
	StateClosed
)

var stateNames = [...]string{
	StateInit:             "INIT",
	StateShellSent:        "SHELL_SENT",
	StateAwaitingUpstream: "AWAITING_UPSTREAM",
	StateUpstreamOK:       "UPSTREAM_OK",
	StateUpstreamFail:     "UPSTREAM_FAIL",
	StateTrailerSent:      "TRAILER_SENT",
	StateClosed:           "CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists the legal successor states. CLOSED is reachable from
// every state through abort, which bypasses this table.
var transitions = map[State][]State{
	StateInit:             {StateShellSent},
	StateShellSent:        {StateAwaitingUpstream, StateClosed},
	StateAwaitingUpstream: {StateUpstreamOK, StateUpstreamFail},
	StateUpstreamOK:       {StateTrailerSent},
	StateUpstreamFail:     {StateTrailerSent},
	StateTrailerSent:      {StateAwaitingUpstream, StateClosed},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Writable reports whether body bytes may still be written in this state.
func (s State) Writable() bool {
	return s != StateClosed
}
