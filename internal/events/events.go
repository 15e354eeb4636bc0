package events

import (
	"log"
	"sync"
	"time"
)

// Domain event types observable by webhooks and any other subscriber.
const (
	TypeJobQueued    = "job.queued"
	TypeJobRunning   = "job.running"
	TypeJobSucceeded = "job.succeeded"
	TypeJobFailed    = "job.failed"
	TypeJobCancelled = "job.cancelled"

	TypeLabState = "lab.state"

	TypeLinkUp      = "link.up"
	TypeLinkDown    = "link.down"
	TypeLinkUnknown = "link.unknown"
)

// Event is one domain transition. The originating record is already
// durably committed by the time an event is emitted.
type Event struct {
	Type    string                 `json:"type"`
	LabID   *uint                  `json:"lab_id,omitempty"`
	JobID   *uint                  `json:"job_id,omitempty"`
	At      time.Time              `json:"at"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Handler consumes events. Handlers must not block; slow work belongs in
// the handler's own goroutines.
type Handler func(Event)

// Bus is the in-process event stream. Delivery order matches emission
// order; a full buffer drops rather than blocking the emitting transition.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler

	in   chan Event
	done chan struct{}
	wg   sync.WaitGroup
}

func NewBus() *Bus {
	b := &Bus{
		in:   make(chan Event, 1000),
		done: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Emit publishes an event. It never blocks the caller.
func (b *Bus) Emit(eventType string, labID, jobID *uint, payload map[string]interface{}) {
	evt := Event{Type: eventType, LabID: labID, JobID: jobID, At: time.Now(), Payload: payload}
	select {
	case b.in <- evt:
	default:
		log.Printf("[ERROR] Event bus buffer full, dropped %s", eventType)
	}
}

// Close drains pending events and stops the delivery loop.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case evt := <-b.in:
			b.deliver(evt)
		case <-b.done:
			for {
				select {
				case evt := <-b.in:
					b.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}
