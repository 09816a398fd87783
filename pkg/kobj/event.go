package kobj

import (
	"sync"

	"github.com/scarlet-project/scarlet/pkg/event"
	"github.com/scarlet-project/scarlet/pkg/kerr"
)

// EventChannel is a named pub/sub point (spec.md §3.4): publish(event)
// fans out to every live EventSubscription taken from it.
type EventChannel struct {
	mu   sync.Mutex
	subs []*eventQueue
}

type eventQueue struct {
	mu     sync.Mutex
	events []event.Event
	filter func(event.Event) bool
}

// NewEventChannel creates an empty channel.
func NewEventChannel() *EventChannel {
	return &EventChannel{}
}

func (c *EventChannel) Kind() Kind { return KindEventChannel }
func (c *EventChannel) Close() error {
	return nil
}

// Publish delivers ev to every subscription whose filter accepts it.
func (c *EventChannel) Publish(ev event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.subs {
		if q.filter != nil && !q.filter(ev) {
			continue
		}
		q.mu.Lock()
		q.events = append(q.events, ev)
		q.mu.Unlock()
	}
	return nil
}

// Subscribe returns a new EventSubscription receiving events published to
// c that pass filter (nil accepts everything).
func (c *EventChannel) Subscribe(filter func(event.Event) bool) *EventSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := &eventQueue{filter: filter}
	c.subs = append(c.subs, q)
	return &EventSubscription{channel: c, queue: q}
}

// Clone uses the custom-clone hook (spec.md §3.4: "Event channels clone via
// CloneOps::custom_clone"): the channel object itself is shared by
// reference so publishes from either the parent or the fork-surviving
// child reach the same subscriber set.
func (c *EventChannel) Clone() (Object, error) { return genericClone(c) }

// EventSubscription is the receive side of an EventChannel subscription
// (spec.md §3.4).
type EventSubscription struct {
	channel *EventChannel
	queue   *eventQueue
}

func (s *EventSubscription) Kind() Kind { return KindEventSubscription }

func (s *EventSubscription) Close() error {
	s.channel.mu.Lock()
	defer s.channel.mu.Unlock()
	for i, q := range s.channel.subs {
		if q == s.queue {
			s.channel.subs = append(s.channel.subs[:i], s.channel.subs[i+1:]...)
			break
		}
	}
	return nil
}

// Receive returns the next queued event. If blocking is false and nothing
// is queued, it returns kerr.WouldBlock (intercepted by the syscall layer
// per spec.md §7, never surfaced to user space). Blocking receive with an
// empty queue is the caller's responsibility to retry after being woken;
// this method never blocks itself — spec.md §5 models suspension as the
// syscall layer saving the trap frame and yielding, not as an in-kernel
// blocking call.
func (s *EventSubscription) Receive(blocking bool) (event.Event, error) {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()

	if len(s.queue.events) == 0 {
		// Whether blocking or not, an empty queue always surfaces as
		// WouldBlock: the syscall layer is what turns this into a yield
		// for blocking receives (spec.md §5, §7).
		return event.Event{}, kerr.New(kerr.WouldBlock, "")
	}

	ev := s.queue.events[0]
	s.queue.events = s.queue.events[1:]
	return ev, nil
}

// HasPending reports whether Receive would return an event immediately.
func (s *EventSubscription) HasPending() bool {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	return len(s.queue.events) > 0
}

// Clone shares the same queue; a forked child keeps draining the parent's
// subscription (spec.md §3.4's custom-clone rule applies symmetrically to
// subscriptions).
func (s *EventSubscription) Clone() (Object, error) { return genericClone(s) }
