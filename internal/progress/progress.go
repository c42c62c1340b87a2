// Package progress carries per-target status out of the flash engine.
//
// One Sink is bound to exactly one target for the whole run. The engine
// calls a sink only from that target's writer or verifier goroutine, so
// implementations see calls for a given target in order and never two
// at once. A sink must never block and never fail: reporting problems
// are not allowed to fail the flash itself.
package progress

// Sink receives status updates for a single flash target.
type Sink interface {
	// Message reports free-form status text. kind is a short phase tag,
	// "W" while writing and "V" while verifying.
	Message(kind, text string)

	// Set reports the cumulative number of bytes written to the target.
	// Successive values are strictly increasing.
	Set(written uint64)

	// Finish marks the target complete. Called at most once, after the
	// target's last Set.
	Finish()
}

// EventKind discriminates the serialized form of a sink call.
type EventKind int

const (
	EventMessage EventKind = iota
	EventFinished
	EventSet
)

// Event is the wire representation of one sink call, tagged with the
// target's registration index.
type Event struct {
	Kind    EventKind
	ID      int
	Text    string
	Written uint64
}
