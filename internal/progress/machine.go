package progress

import (
	"bufio"
	"fmt"
	"io"
)

// MachineSink translates sink calls into Events tagged with a fixed
// target id. Nothing here can block or error; once the consumer is
// gone the events are dropped.
type MachineSink struct {
	id    int
	queue *Queue
}

func NewMachineSink(id int, q *Queue) *MachineSink {
	return &MachineSink{id: id, queue: q}
}

func (s *MachineSink) Message(kind, text string) {
	msg := kind
	if text != "" {
		msg = kind + " " + text
	}
	s.queue.Push(Event{Kind: EventMessage, ID: s.id, Text: msg})
}

func (s *MachineSink) Finish() {
	s.queue.Push(Event{Kind: EventFinished, ID: s.id})
}

func (s *MachineSink) Set(written uint64) {
	s.queue.Push(Event{Kind: EventSet, ID: s.id, Written: written})
}

// Relay renders queued events as the line-oriented machine protocol,
// one line per event. Downstream tools parse these lines; field order
// and quoting are a contract.
type Relay struct {
	w     *bufio.Writer
	paths []string
}

// NewRelay builds a relay over w. paths maps target ids to display
// paths, in registration order.
func NewRelay(w io.Writer, paths []string) *Relay {
	return &Relay{w: bufio.NewWriter(w), paths: paths}
}

// WriteHeader emits the Size line and one Device line per target.
// Called exactly once, before any event line.
func (r *Relay) WriteHeader(imageSize uint64) error {
	fmt.Fprintf(r.w, "Size(%d)\n", imageSize)
	for _, p := range r.paths {
		fmt.Fprintf(r.w, "Device(%q)\n", p)
	}
	return r.w.Flush()
}

// Run drains the queue until it is closed and empty.
func (r *Relay) Run(q *Queue) error {
	for {
		events, ok := q.Next()
		if !ok {
			return r.w.Flush()
		}
		for _, ev := range events {
			r.writeEvent(ev)
		}
		if err := r.w.Flush(); err != nil {
			return err
		}
	}
}

func (r *Relay) writeEvent(ev Event) {
	path := r.paths[ev.ID]
	switch ev.Kind {
	case EventMessage:
		fmt.Fprintf(r.w, "Message(%q,%q)\n", path, ev.Text)
	case EventFinished:
		fmt.Fprintf(r.w, "Finished(%q)\n", path)
	case EventSet:
		fmt.Fprintf(r.w, "Set(%q,%d)\n", path, ev.Written)
	}
}
