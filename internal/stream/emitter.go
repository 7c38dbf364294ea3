// Package stream is the push-based event feed for dispatch jobs: one
// emitter per job, events carrying strictly increasing sequence numbers,
// and a small ring buffer so a reconnecting subscriber can replay what it
// missed. At most one live subscriber is allowed per job.
package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// EventType discriminates stream events.
type EventType string

const (
	EventStart    EventType = "start"
	EventStatus   EventType = "status"
	EventOutput   EventType = "output"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Event is one entry in a job's event feed.
type Event struct {
	Seq  int64           `json:"seq"`
	Type EventType       `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrSubscriberActive is returned when a job already has a live subscriber.
var ErrSubscriberActive = errors.New("stream already has a live subscriber")

// ErrClosed is returned when subscribing to a closed emitter.
var ErrClosed = errors.New("stream closed")

const subscriberBuffer = 256

// Emitter is the event source for a single job.
type Emitter struct {
	mu      sync.Mutex
	nextSeq int64

	ring  []Event
	start int
	size  int

	sub       chan Event
	completed bool
	closed    bool
	closedAt  time.Time
}

// NewEmitter creates an emitter whose ring retains up to capacity events
// for replay.
func NewEmitter(capacity int) *Emitter {
	if capacity <= 0 {
		capacity = 256
	}
	return &Emitter{ring: make([]Event, capacity)}
}

// Publish appends an event with the next sequence number and delivers it
// to the live subscriber, if any. Slow subscribers are skipped rather than
// blocking the producer; the ring keeps the event for replay.
func (e *Emitter) Publish(typ EventType, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Event{}
	}
	e.nextSeq++
	ev := Event{
		Seq:  e.nextSeq,
		Type: typ,
		At:   time.Now().UTC(),
		Data: payload,
	}
	e.pushLocked(ev)
	if typ == EventComplete {
		e.completed = true
	}
	if e.sub != nil {
		select {
		case e.sub <- ev:
		default:
		}
	}
	return ev
}

// Subscribe attaches the single live subscriber. The returned cancel
// function detaches it; a second Subscribe before cancel fails with
// ErrSubscriberActive.
func (e *Emitter) Subscribe() (<-chan Event, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, ErrClosed
	}
	if e.sub != nil {
		return nil, nil, ErrSubscriberActive
	}
	ch := make(chan Event, subscriberBuffer)
	e.sub = ch

	cancel := func() {
		e.mu.Lock()
		if e.sub == ch {
			e.sub = nil
			close(ch)
		}
		e.mu.Unlock()
	}
	return ch, cancel, nil
}

// SnapshotSince returns buffered events with Seq > lastSeq, oldest first.
func (e *Emitter) SnapshotSince(lastSeq int64) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, 0, e.size)
	for i := 0; i < e.size; i++ {
		ev := e.ring[(e.start+i)%len(e.ring)]
		if ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Completed reports whether a complete event has been published. The SSE
// handler checks this right before a transport close to distinguish a
// clean shutdown from a mid-stream failure.
func (e *Emitter) Completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// Close detaches the subscriber and rejects further publishes.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.closedAt = time.Now().UTC()
	if e.sub != nil {
		close(e.sub)
		e.sub = nil
	}
}

func (e *Emitter) pushLocked(ev Event) {
	capacity := len(e.ring)
	if e.size < capacity {
		e.ring[(e.start+e.size)%capacity] = ev
		e.size++
		return
	}
	// Overwrite oldest.
	e.ring[e.start] = ev
	e.start = (e.start + 1) % capacity
}
