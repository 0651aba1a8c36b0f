package generate

import (
	"time"

	"chromafits/internal/cache"
)

// EventType tags progress notifications for one generation request.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one progress notification. For a given handle, events arrive in
// order started -> progress... -> exactly one terminal (succeeded, failed or
// cancelled), after which the channel is closed.
type Event struct {
	Type     EventType     `json:"type"`
	Message  string        `json:"message,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns,omitempty"`
	Entry    *cache.Entry  `json:"entry,omitempty"`
	CacheHit bool          `json:"cache_hit,omitempty"`
	Err      error         `json:"-"`
	ErrText  string        `json:"error,omitempty"`
}

// Terminal reports whether the event ends the request.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventSucceeded, EventFailed, EventCancelled:
		return true
	}
	return false
}
