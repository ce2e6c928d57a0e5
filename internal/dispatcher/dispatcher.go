// Package dispatcher fans out build lifecycle signals to subscribers. Events
// are named; the core set is fixed and plugins may register more. Delivery is
// synchronous, in subscription order, at least once.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"git.home.luguber.info/inful/gbp/internal/types"
)

// Event names a lifecycle signal.
type Event string

// The core event set. Every one of these is registered on construction.
const (
	PrePull    Event = "prepull"
	PostPull   Event = "postpull"
	Published  Event = "published"
	PreDelete  Event = "predelete"
	PostDelete Event = "postdelete"
	Tagged     Event = "tagged"
	Untagged   Event = "untagged"
)

var coreEvents = []Event{PrePull, PostPull, Published, PreDelete, PostDelete, Tagged, Untagged}

// Payload types carried by the core events.
type (
	// PrePullPayload carries the bare build: the record is not complete yet.
	PrePullPayload struct {
		Build types.Build
	}

	PostPullPayload struct {
		Record   types.BuildRecord
		Packages []types.Package
		Metadata *types.GBPMetadata
	}

	PublishedPayload struct {
		Record types.BuildRecord
	}

	PreDeletePayload struct {
		Build types.Build
	}

	PostDeletePayload struct {
		Build types.Build
	}

	TaggedPayload struct {
		Record types.BuildRecord
		Tag    string
	}

	UntaggedPayload struct {
		Machine string
		Tag     string
	}
)

// UnknownEventError reports a Bind or Emit against an unregistered event.
type UnknownEventError struct {
	Event Event
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event: %q", e.Event)
}

// DuplicateEventError reports a Register of an already-registered event.
type DuplicateEventError struct {
	Event Event
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event already registered: %q", e.Event)
}

// Handler receives an event payload. A non-nil error does not stop delivery
// to later subscribers; the first error is surfaced to the emitter.
type Handler func(ctx context.Context, payload any) error

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher is the named-event bus.
type Dispatcher struct {
	mu     sync.RWMutex
	events map[Event][]subscription
	nextID uint64
}

// New returns a dispatcher with the core events registered.
func New() *Dispatcher {
	d := &Dispatcher{events: map[Event][]subscription{}}
	for _, e := range coreEvents {
		d.events[e] = nil
	}
	return d
}

// Register adds a plugin event. Registering an existing event fails.
func (d *Dispatcher) Register(event Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.events[event]; ok {
		return &DuplicateEventError{Event: event}
	}
	d.events[event] = nil
	return nil
}

// Bind subscribes a handler to an event. The returned function unbinds it;
// unbinding twice is a no-op. Binding to an unregistered event fails.
func (d *Dispatcher) Bind(event Event, h Handler) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs, ok := d.events[event]
	if !ok {
		return nil, &UnknownEventError{Event: event}
	}
	d.nextID++
	id := d.nextID
	d.events[event] = append(subs, subscription{id: id, handler: h})

	var once sync.Once
	unbind := func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			current := d.events[event]
			for i, sub := range current {
				if sub.id == id {
					d.events[event] = append(current[:i:i], current[i+1:]...)
					break
				}
			}
		})
	}
	return unbind, nil
}

// Emit delivers payload to every subscriber in subscription order. All
// subscribers run even when one fails; the first error is returned after
// delivery completes.
func (d *Dispatcher) Emit(ctx context.Context, event Event, payload any) error {
	d.mu.RLock()
	subs, ok := d.events[event]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	d.mu.RUnlock()

	if !ok {
		return &UnknownEventError{Event: event}
	}

	var first error
	for _, sub := range snapshot {
		if err := sub.handler(ctx, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
