package ui

import "sync/atomic"

// Bar is the interactive progress sink for one target. The engine
// calls it from that target's worker goroutine; Set only stores the
// counter and leaves drawing to the refresh loop.
type Bar struct {
	ui    *UI
	path  string
	total uint64

	written atomic.Uint64

	// Guarded by ui.mu.
	phase string
	text  string
	done  bool
}

func (b *Bar) Message(kind, text string) {
	b.ui.mu.Lock()
	b.phase = kind
	b.text = text
	b.ui.mu.Unlock()
	b.ui.draw()
}

func (b *Bar) Set(written uint64) {
	b.written.Store(written)
}

func (b *Bar) Finish() {
	b.ui.mu.Lock()
	b.done = true
	b.text = ""
	b.ui.mu.Unlock()
	b.ui.draw()
}
