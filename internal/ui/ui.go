// Package ui renders live per-target progress bars in the terminal
// while a flash runs. One Bar per target implements progress.Sink.
package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
)

const refreshInterval = 100 * time.Millisecond

// UI owns the screen. Bars update their own counters; a refresh loop
// redraws on a fixed cadence so per-chunk Set calls stay cheap.
type UI struct {
	mu   sync.Mutex
	s    tcell.Screen
	bars []*Bar

	title    string
	stopChan chan struct{}
	quit     chan struct{}
	once     sync.Once
	onStop   func()
}

func New(title string) (*UI, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	s.HideCursor()

	u := &UI{
		s:        s,
		title:    title,
		stopChan: make(chan struct{}),
		quit:     make(chan struct{}),
	}
	go u.eventLoop()
	go u.refreshLoop()
	return u, nil
}

// OnStop registers the callback run when the user requests a stop.
// Registering replaces any previous callback. Set it before the run
// starts.
func (u *UI) OnStop(fn func()) {
	u.mu.Lock()
	u.onStop = fn
	u.mu.Unlock()
}

// AddBar registers one target row. Call for every target before the
// run starts.
func (u *UI) AddBar(path string, total uint64) *Bar {
	u.mu.Lock()
	defer u.mu.Unlock()

	b := &Bar{ui: u, path: path, total: total, phase: "W"}
	u.bars = append(u.bars, b)
	return b
}

// RequestStop signals that the user wants the run aborted. Safe to
// call more than once.
func (u *UI) RequestStop() {
	u.once.Do(func() {
		close(u.stopChan)

		u.mu.Lock()
		fn := u.onStop
		u.mu.Unlock()
		if fn != nil {
			fn()
		}

		u.mu.Lock()
		if u.s != nil {
			u.s.PostEvent(tcell.NewEventInterrupt(nil))
		}
		u.mu.Unlock()
	})
}

// Close restores the terminal. The UI must be closed before anything
// else prints to stdout.
func (u *UI) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return
	}
	close(u.quit)
	u.s.Fini()
	u.s = nil
}

func (u *UI) eventLoop() {
	for {
		u.mu.Lock()
		s := u.s
		u.mu.Unlock()
		if s == nil {
			return
		}

		ev := s.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyCtrlC:
				u.RequestStop()
			case ev.Key() == tcell.KeyEscape:
				u.RequestStop()
			}
		case *tcell.EventResize:
			s.Sync()
			u.draw()
		case *tcell.EventInterrupt:
			u.draw()
		case nil:
			return
		}
	}
}

func (u *UI) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-u.quit:
			return
		case <-ticker.C:
			u.draw()
		}
	}
}

func (u *UI) draw() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.s == nil {
		return
	}

	u.s.Clear()

	putStr(u.s, 0, 0, u.title)

	for i, b := range u.bars {
		putStr(u.s, 0, 2+i, b.render())
	}

	select {
	case <-u.stopChan:
		putStr(u.s, 0, 3+len(u.bars), "Stopping...")
	default:
		putStr(u.s, 0, 3+len(u.bars), "Ctrl+C to cancel")
	}

	u.s.Show()
}

func putStr(s tcell.Screen, x, y int, str string) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		pos := x + i
		if pos >= w {
			break
		}
		s.SetContent(pos, y, r, nil, tcell.StyleDefault)
	}
}

// render builds one target row; putStr clips it to the screen width.
// Called with the UI mutex held.
func (b *Bar) render() string {
	written := b.written.Load()

	var percent uint64
	if b.total > 0 {
		percent = written * 100 / b.total
	} else {
		percent = 100
	}

	const barWidth = 25
	filled := int(percent) * barWidth / 100
	bar := strings.Repeat("=", filled)
	if filled < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-filled-1)
	}

	state := fmt.Sprintf("%s / %s", humanize.IBytes(written), humanize.IBytes(b.total))
	switch {
	case b.done:
		state = "done (" + state + ")"
	case b.text != "":
		state += "  " + b.text
	}

	return fmt.Sprintf("%s %-24s [%s] %3d%%  %s", b.phase, b.path, bar, percent, state)
}
