// Package events publishes the lifecycle of every request the switchboard
// touches. Subscribers are the SSE stream on /events/stream and, when
// configured, a Pub/Sub topic mirroring the stream to downstream consumers.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types.
const (
	TypeAccepted     = "switchboard.request.accepted"
	TypeDuplicate    = "switchboard.request.duplicate"
	TypeTriaged      = "switchboard.request.triaged"
	TypeDispatched   = "switchboard.request.dispatched"
	TypeCompleted    = "switchboard.request.completed"
	TypeFailed       = "switchboard.request.failed"
	TypeCancelled    = "switchboard.request.cancelled"
	TypeDeadLettered = "switchboard.request.dead_lettered"
	TypeReplayed     = "switchboard.request.replayed"
	TypeCircuitMoved = "switchboard.circuit.state_changed"
)

// Event is one lifecycle moment of a request. Fields beyond the identity
// block are filled where they apply: ErrorClass only on failures, Detail
// for anything a consumer might filter on.
type Event struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Source         string            `json:"source"`
	Time           time.Time         `json:"time"`
	RequestID      string            `json:"request_id,omitempty"`
	LifecycleState string            `json:"lifecycle_state,omitempty"`
	Channel        string            `json:"channel,omitempty"`
	ThreadKey      string            `json:"thread_key,omitempty"`
	Tier           string            `json:"tier,omitempty"`
	ErrorClass     string            `json:"error_class,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
}

// LifecycleFor maps an event type to the inbox state the request is in
// once the event is published. Types that do not move the lifecycle
// (duplicate, circuit changes) map to "".
func LifecycleFor(eventType string) string {
	switch eventType {
	case TypeAccepted, TypeReplayed:
		return "accepted"
	case TypeTriaged:
		return "triaged"
	case TypeDispatched:
		return "dispatching"
	case TypeCompleted:
		return "completed"
	case TypeFailed, TypeCancelled:
		return "failed"
	case TypeDeadLettered:
		return "dead_lettered"
	}
	return ""
}

// stamp assigns identity to an event about to be published.
func (ev *Event) stamp() {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.LifecycleState == "" {
		ev.LifecycleState = LifecycleFor(ev.Type)
	}
}

// JSON serializes the event.
func (ev *Event) JSON() ([]byte, error) {
	return json.Marshal(ev)
}

// SSE renders the event in Server-Sent Events framing.
func (ev *Event) SSE() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ev.Type, data, ev.ID)), nil
}

// Emitter is the interface the pipeline publishes through. Both the
// in-memory Bus and the Pub/Sub-backed bus satisfy it.
type Emitter interface {
	Emit(ev Event)
}

// Bus fans events out in-process. Delivery is best-effort: a subscriber
// that stops draining loses events rather than stalling the pipeline.
type Bus struct {
	mu    sync.RWMutex
	subs  map[chan Event]map[string]struct{} // nil filter receives every type
	depth int
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[chan Event]map[string]struct{}),
		depth: 100,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are named.
func (b *Bus) Subscribe(eventTypes ...string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.depth)
	var filter map[string]struct{}
	if len(eventTypes) > 0 {
		filter = make(map[string]struct{}, len(eventTypes))
		for _, et := range eventTypes {
			filter[et] = struct{}{}
		}
	}
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers an already-stamped event to matching subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subs {
		if filter != nil {
			if _, want := filter[ev.Type]; !want {
				continue
			}
		}
		select {
		case ch <- ev:
		default:
			// Subscriber is full; the stream is advisory, drop.
		}
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(ev Event) {
	ev.stamp()
	b.Publish(ev)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var _ Emitter = (*Bus)(nil)
