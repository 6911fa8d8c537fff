package control

import (
	"strconv"
	"strings"
	"time"
)

// EventType identifies the kind of asynchronous event the router emits.
// The driver's domain only needs circuit lifecycle notifications.
type EventType string

// EventCirc indicates a circuit status change; the router emits one per
// circuit state transition once SETEVENTS CIRC has been issued.
const EventCirc EventType = "CIRC"

// CircuitEvent represents a circuit status change event.
// Wire format: 650 CIRC <CircuitID> <Status> [<Path>] [BUILD_FLAGS=<Flags>]
// [PURPOSE=<Purpose>] [TIME_CREATED=<Time>]
type CircuitEvent struct {
	CircuitID   uint32
	Status      string // LAUNCHED, BUILT, EXTENDED, FAILED, CLOSED
	Path        string // $fingerprint1~nickname1,$fingerprint2~nickname2,...
	BuildFlags  string
	Purpose     string
	TimeCreated time.Time
}

// Type returns EventCirc.
func (e *CircuitEvent) Type() EventType {
	return EventCirc
}

// CircuitEventListener receives circuit lifecycle notifications in the
// order the router emitted them. Implementations must not block; they run
// on the reactor thread.
type CircuitEventListener interface {
	OnCircuitEvent(event *CircuitEvent)
}

// parseCircuitEvent parses one complete "650 CIRC ..." line. It returns nil
// if the line is too short to carry a circuit id, in which case the caller
// silently drops it rather than treating a malformed async line as fatal.
func parseCircuitEvent(line string) *CircuitEvent {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil
	}

	id, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil
	}

	event := &CircuitEvent{CircuitID: uint32(id)}
	if len(fields) < 4 {
		return event
	}
	event.Status = fields[3]

	for _, f := range fields[4:] {
		switch {
		case strings.HasPrefix(f, "BUILD_FLAGS="):
			event.BuildFlags = strings.TrimPrefix(f, "BUILD_FLAGS=")
		case strings.HasPrefix(f, "PURPOSE="):
			event.Purpose = strings.TrimPrefix(f, "PURPOSE=")
		case strings.HasPrefix(f, "TIME_CREATED="):
			if t, err := time.Parse(time.RFC3339, strings.TrimPrefix(f, "TIME_CREATED=")); err == nil {
				event.TimeCreated = t
			}
		case strings.Contains(f, "$") || strings.Contains(f, "~"):
			event.Path = f
		}
	}

	return event
}
