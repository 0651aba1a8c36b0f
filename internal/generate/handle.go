package generate

import (
	"context"
	"sync"

	"chromafits/internal/cache"
)

// Handle tracks one submitted request. Callers observe progress on Events
// (or block in Wait) and may Cancel at any time.
type Handle struct {
	ID  string
	Key cache.Key

	cancel context.CancelFunc

	mu     sync.Mutex
	events chan Event
	closed bool

	once  sync.Once
	done  chan struct{}
	entry *cache.Entry
	err   error
}

func newHandle(id string, key cache.Key, cancel context.CancelFunc) *Handle {
	return &Handle{
		ID:     id,
		Key:    key,
		events: make(chan Event, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Events returns the notification stream. It is closed after the terminal
// event.
func (h *Handle) Events() <-chan Event { return h.events }

// Cancel requests termination of the underlying generation. Requests
// coalesced onto the same in-flight build share its fate: cancelling any
// subscribed handle cancels the build for all of them.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Wait blocks until the request reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*cache.Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.entry, h.err
	}
}

// emit delivers a non-terminal event, dropping it if the subscriber lags.
// Emitting after the terminal event is a no-op; the mutex excludes emitters
// from the close in finish.
func (h *Handle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
	}
}

// finish delivers the terminal event exactly once, evicting stale progress
// events if the buffer is full, then closes the stream.
func (h *Handle) finish(ev Event) {
	h.once.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.entry = ev.Entry
		h.err = ev.Err
		for {
			select {
			case h.events <- ev:
				h.closed = true
				close(h.events)
				close(h.done)
				return
			default:
				select {
				case <-h.events:
				default:
				}
			}
		}
	})
}
