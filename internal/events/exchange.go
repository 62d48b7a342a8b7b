// Package events provides the in-process exchange that fans lifecycle
// state-change events out to console subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
)

// Event is a single container state change. Events for one container are
// published in transition order; events for different containers carry no
// relative ordering.
type Event struct {
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	Container string    `json:"container" cbor:"container"`
	Package   string    `json:"package" cbor:"package"`
	State     string    `json:"state" cbor:"state"`

	// ExitCode is set when the transition was driven by a process exit.
	ExitCode *int `json:"exit_code,omitempty" cbor:"exit_code,omitempty"`

	// Signal is set when the process was terminated by a signal.
	Signal string `json:"signal,omitempty" cbor:"signal,omitempty"`

	// Error describes the failure when State is "failed".
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind is dropped rather than allowed to stall publication.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	cancel func()
}

// Exchange distributes events to subscribers. Publish never blocks on a slow
// subscriber; the lifecycle path must not be stalled by an observer.
type Exchange struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewExchange creates an empty exchange.
func NewExchange() *Exchange {
	return &Exchange{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber. The returned channel is closed when the
// subscription ends: on cancel, on exchange close, or when the subscriber
// falls too far behind. The returned func cancels the subscription and is
// safe to call more than once.
func (e *Exchange) Subscribe(ctx context.Context) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++

	ch := make(chan Event, subscriberBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if s, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(s.ch)
			}
		})
	}
	e.subs[id] = &subscriber{ch: ch, cancel: cancel}

	if ctx != nil {
		context.AfterFunc(ctx, cancel)
	}

	return ch, cancel
}

// Publish delivers the event to all current subscribers. Subscribers whose
// buffer is full are dropped.
func (e *Exchange) Publish(ev Event) {
	e.mu.Lock()
	var dropped []*subscriber
	for id, s := range e.subs {
		select {
		case s.ch <- ev:
		default:
			delete(e.subs, id)
			close(s.ch)
			dropped = append(dropped, s)
		}
	}
	e.mu.Unlock()

	if len(dropped) > 0 {
		log.L.WithField("container", ev.Container).
			WithField("dropped_subscribers", len(dropped)).
			Warn("dropped slow event subscribers")
	}
}

// Close terminates all subscriptions. Subsequent Publish calls are no-ops.
func (e *Exchange) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, s := range e.subs {
		delete(e.subs, id)
		close(s.ch)
	}
}
