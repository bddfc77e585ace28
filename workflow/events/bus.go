// Package events implements the engine's event bus: a
// broadcast channel with a bounded buffer per subscriber, where a slow
// subscriber loses the oldest events rather than blocking a publisher.
// A stalled subscriber never backs up the engine.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type discriminates an Envelope's Payload.
type Type string

const (
	WorkflowStarted  Type = "WorkflowStarted"
	NodeEnter        Type = "NodeEnter"
	NodeSuccess      Type = "NodeSuccess"
	NodeFailed       Type = "NodeFailed"
	NodeDispatched   Type = "NodeDispatched"
	WorkflowFinished Type = "WorkflowFinished"
)

// Envelope is the wire shape every published event takes.
type Envelope struct {
	EventID   string
	Timestamp time.Time
	Source    string
	Type      Type
	RunID     string
	Payload   map[string]any
}

// Subscription is a bounded, lossy view of the bus. Lagged reports how
// many events this subscriber has dropped since the last drain, so
// missing events is allowed but always observable.
type Subscription struct {
	C chan Envelope

	mu     sync.Mutex
	lagged int64
}

// Lagged returns (and resets) the number of events this subscription
// has dropped since the last call.
func (s *Subscription) Lagged() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lagged
	s.lagged = 0
	return n
}

func (s *Subscription) markLagged() {
	s.mu.Lock()
	s.lagged++
	s.mu.Unlock()
}

// Bus is the process-wide broadcast channel. The zero value is not
// usable; construct with New.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
}

// New constructs a Bus whose subscriptions buffer up to bufSize events
// before dropping the oldest.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{subs: make(map[*Subscription]struct{}), bufSize: bufSize}
}

// Subscribe registers a new bounded, lossy listener. Callers must call
// Unsubscribe when done to release the channel.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{C: make(chan Envelope, b.bufSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from the bus and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.C)
}

// Publish broadcasts an event to every current subscriber. A
// subscriber whose buffer is full has its oldest buffered event
// dropped to make room; the publisher never blocks.
func (b *Bus) Publish(typ Type, runID string, payload map[string]any) Envelope {
	env := Envelope{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    "engine",
		Type:      typ,
		RunID:     runID,
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.C <- env:
		default:
			select {
			case <-sub.C:
				sub.markLagged()
			default:
			}
			select {
			case sub.C <- env:
			default:
			}
		}
	}
	return env
}
