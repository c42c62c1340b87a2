package progress

import "sync"

// Queue is an unbounded multi-producer event queue. Push never blocks,
// so a slow or departed consumer can never stall the engine. Events
// pushed by one producer are delivered in push order.
//
// The queue is drained by a single consumer.
type Queue struct {
	mu     sync.Mutex
	events []Event
	closed bool

	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends one event. After Close the event is silently dropped.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	// Signal the consumer. If a signal is already pending there is no
	// need to block.
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close marks the producer side done. Events already queued remain
// readable; later pushes are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Next returns the next batch of queued events, blocking until at least
// one is available. ok is false once the queue is closed and drained.
func (q *Queue) Next() (events []Event, ok bool) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			events = q.events
			q.events = nil
			q.mu.Unlock()
			return events, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}
		<-q.notify
	}
}
