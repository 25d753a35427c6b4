package hxstream

import (
	"fmt"
	"regexp"
	"strings"
)

// Slot describes one trailer chunk: the upstream resource it waits on, the
// id of the data node it is embedded under, and the readiness signal fired
// once that node is complete.
type Slot struct {
	ID    string
	Event string
	Path  string
}

// DefaultSlot is the single slot of the classic two-chunk document.
var DefaultSlot = Slot{
	ID:    "initial-data",
	Event: "initial-data-ready",
	Path:  "/api/colors",
}

// identPattern restricts ids and event names to characters that need no
// escaping inside an HTML attribute or a single-quoted JS string.
var identPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9:_-]*$`)

// Validate checks the slot can be embedded safely.
func (s Slot) Validate() error {
	if !identPattern.MatchString(s.ID) {
		return fmt.Errorf("slot id %q: must match %s", s.ID, identPattern)
	}
	if !identPattern.MatchString(s.Event) {
		return fmt.Errorf("slot %q: event %q must match %s", s.ID, s.Event, identPattern)
	}
	if !strings.HasPrefix(s.Path, "/") {
		return fmt.Errorf("slot %q: path %q must be absolute", s.ID, s.Path)
	}
	return nil
}

func validateSlots(slots []Slot) error {
	seen := make(map[string]bool, len(slots))
	events := make(map[string]bool, len(slots))
	for _, s := range slots {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate slot id %q", s.ID)
		}
		if events[s.Event] {
			return fmt.Errorf("duplicate slot event %q", s.Event)
		}
		seen[s.ID] = true
		events[s.Event] = true
	}
	return nil
}
