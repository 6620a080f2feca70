package announcer

import (
	"time"

	"github.com/ctf2009/castlecall/internal/core"
)

// EventKind names an announcement outcome.
type EventKind string

// Outcomes reported to sinks.
const (
	EventScheduled EventKind = "scheduled"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventDropped   EventKind = "dropped"
)

// Event reports what happened to one announcement. Err is set for failed and dropped.
type Event struct {
	Kind    EventKind
	JobID   string
	Request core.AnnouncementRequest
	RunAt   time.Time
	Err     error
}

// EventSink observes outcomes. Publish is called synchronously on the announcing
// goroutine and must not block for long.
type EventSink interface {
	Publish(event Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event Event)

// Publish calls f.
func (f SinkFunc) Publish(event Event) {
	f(event)
}
