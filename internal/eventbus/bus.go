// Package eventbus carries the pipeline's stage signals. Every listener
// verdict, brain decision, admission outcome and actuation result is
// published here so surfaces like the dry-run reporter can watch the loop
// without being wired into it.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the engagement loop.
const (
	TypeEventFiltered  = "event.filtered"  // listener rejected an inbound event
	TypeEventCandidate = "event.candidate" // listener forwarded an event to the brain
	TypeDecision       = "decision"        // brain produced a decision
	TypeAdmission      = "admission"       // quota controller admission outcome
	TypeActionSent     = "action.sent"     // actuator completed a send
	TypeActionFailed   = "action.failed"   // actuator gave up on a send
)

// Event is one in-memory signal. Data is a small map[string]any payload;
// publishing never blocks, so a slow subscriber sees gaps, not stalls.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel of events plus an unsubscribe
	// func. Unsubscribing closes the channel.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish does
// all delivery inline.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		f.deliver(ch, e)
	}
}

// deliver sends without blocking. A concurrent unsubscribe may close the
// channel between the snapshot and the send; the recover absorbs that.
func (f *fanout) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
