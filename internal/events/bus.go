// Package events provides the progress side channel for target runs: a
// non-blocking pub/sub bus plus a JSONL run log. Dropped or unobserved
// events never affect a run's result.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventRunStarted is published immediately after a target's process
	// has been spawned.
	EventRunStarted EventType = "run_started"
	// EventRunOutput is published for each captured output chunk.
	EventRunOutput EventType = "run_output"
	// EventRunCompleted is published when a run exits with code zero.
	EventRunCompleted EventType = "run_completed"
	// EventRunFailed is published when a run exits non-zero or fails to
	// spawn.
	EventRunFailed EventType = "run_failed"
	// EventRunTimedOut is published when a run is killed at its deadline.
	EventRunTimedOut EventType = "run_timed_out"
)

// Event is one progress notification for a single run.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	Target    string
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; if a subscriber's channel is full, the event is dropped
// silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per
// subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The subscriber
// function is called asynchronously in a goroutine. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe([]EventType{eventType}, fn)
}

// SubscribeAll registers a subscriber for every run event type. All types
// share one delivery channel, so publish order is preserved across types
// within a run.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	types := []EventType{EventRunStarted, EventRunOutput, EventRunCompleted, EventRunFailed, EventRunTimedOut}
	return b.subscribe(types, fn)
}

func (b *Bus) subscribe(types []EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, et := range types {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}

	go func() {
		for event := range ch {
			func() {
				defer func() {
					// A panicking subscriber must not take the bus down.
					_ = recover()
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		closed := false
		for _, et := range types {
			subs := b.subscribers[et]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[et] = append(subs[:i], subs[i+1:]...)
					if !closed {
						close(ch)
						closed = true
					}
					break
				}
			}
		}
	}
}

// Publish sends an event to all subscribers of the given type. If a
// subscriber's channel is full, the event is dropped for that subscriber.
func (b *Bus) Publish(eventType EventType, runID, target string, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Target:    target,
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Channel full, drop to keep publishing non-blocking.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions. A channel
// registered for multiple types is closed once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, eventType)
	}
}
