// Package flash is the engine that streams one source image onto N
// destinations concurrently, with an optional read-back verification
// pass.
package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/pop-os/muff/internal/image"
	"github.com/pop-os/muff/internal/progress"
)

// Handle is the open destination the engine writes through. *os.File
// satisfies it; tests substitute fault-injecting wrappers.
type Handle interface {
	io.Reader
	io.Writer
	io.Seeker
	Sync() error
	Close() error
}

// Status tracks one target through the run. Failed and Finished are
// terminal.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusWriting    Status = "writing"
	StatusVerifying  Status = "verifying"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// target is one destination and everything the run knows about it.
// Its handle is owned by exactly one goroutine at a time: the writer
// during the write phase, the verifier during the verify phase.
type target struct {
	id     int
	path   string
	handle Handle
	sink   progress.Sink

	status  Status
	written uint64
	err     error

	chunks chan []byte
}

func (tg *target) fail(err error) {
	tg.status = StatusFailed
	tg.err = err
}

type writeResult struct {
	id  int
	err error
}

// Task owns the source image and the ordered set of subscribed targets
// for a single run.
//
// Verification policy: every target's verify pass reopens the image by
// path for an independent cursor. That costs one full image read per
// target but lets all targets verify concurrently.
type Task struct {
	ID string

	img     *image.Image
	check   bool
	targets []*target
	started bool
}

// NewTask takes ownership of an already-open image. No I/O happens
// until Process.
func NewTask(img *image.Image, check bool) *Task {
	return &Task{ID: ksuid.New().String(), img: img, check: check}
}

// Subscribe registers one destination. The registration order fixes
// the target's id, which machine-mode events are reported under.
// Returns ErrRegistration once Process has started.
func (t *Task) Subscribe(handle Handle, path string, sink progress.Sink) error {
	if t.started {
		return ErrRegistration
	}

	t.targets = append(t.targets, &target{
		id:     len(t.targets),
		path:   path,
		handle: handle,
		sink:   sink,
		status: StatusRegistered,
	})
	return nil
}

// Process runs the write phase and, if requested, the verify phase.
// buf is the reusable chunk buffer; its length sets the chunk size.
// The image and every target handle are closed before Process returns.
//
// One target's failure never stops the others: the result is nil only
// if every target finished, otherwise an *AggregateError naming each
// failed target and its cause.
func (t *Task) Process(ctx context.Context, buf []byte) error {
	if t.started {
		return fmt.Errorf("task %s has already run", t.ID)
	}
	if len(buf) == 0 {
		return errors.New("chunk buffer must not be empty")
	}
	t.started = true
	defer t.close()

	t.writePhase(ctx, buf)

	if t.check {
		t.verifyPhase(ctx, len(buf))
	}

	var failures []TargetFailure
	for _, tg := range t.targets {
		if tg.status == StatusFailed {
			failures = append(failures, TargetFailure{ID: tg.id, Path: tg.path, Err: tg.err})
		}
	}
	if len(failures) > 0 {
		return &AggregateError{Failures: failures}
	}
	return nil
}

// writePhase reads the image once, chunk by chunk, fanning each chunk
// out to a persistent writer goroutine per still-active target. The
// loop does not refill buf until every writer has reported back, so
// all targets advance in lockstep, one chunk apart at most, and the
// shared slice is never written to while a writer reads it.
func (t *Task) writePhase(ctx context.Context, buf []byte) {
	results := make(chan writeResult, len(t.targets))

	var wg sync.WaitGroup
	for _, tg := range t.targets {
		tg.status = StatusWriting
		tg.chunks = make(chan []byte)
		wg.Add(1)
		go func(tg *target) {
			defer wg.Done()
			tg.write(results)
		}(tg)
	}

	active := len(t.targets)
	for active > 0 {
		if err := ctx.Err(); err != nil {
			t.failActive(fmt.Errorf("run aborted: %w", err))
			active = 0
			break
		}

		n, rerr := t.img.File.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			sent := 0
			for _, tg := range t.targets {
				if tg.status == StatusWriting {
					tg.chunks <- chunk
					sent++
				}
			}

			// Barrier: collect one result per chunk sent.
			for i := 0; i < sent; i++ {
				res := <-results
				if res.err == nil {
					continue
				}
				tg := t.targets[res.id]
				tg.fail(res.err)
				close(tg.chunks)
				active--
			}
		}

		if rerr != nil {
			if rerr != io.EOF {
				// Losing the source fails every remaining target.
				t.failActive(fmt.Errorf("reading the image failed: %w", rerr))
				active = 0
			}
			break
		}
	}

	for _, tg := range t.targets {
		if tg.status == StatusWriting {
			close(tg.chunks)
		}
	}
	wg.Wait()

	for _, tg := range t.targets {
		if tg.status != StatusWriting {
			continue
		}
		if err := tg.handle.Sync(); err != nil {
			tg.fail(&WriteError{Path: tg.path, Off: tg.written, Err: err})
			continue
		}
		tg.sink.Message("W", "complete")
		if !t.check {
			tg.status = StatusFinished
			tg.sink.Finish()
		}
	}
}

// write consumes chunks until the channel closes. The chunk slice is
// shared with every other writer and must be treated as read-only.
func (tg *target) write(results chan<- writeResult) {
	for chunk := range tg.chunks {
		n, err := tg.handle.Write(chunk)
		if err == nil && n < len(chunk) {
			err = io.ErrShortWrite
		}
		if err != nil {
			results <- writeResult{id: tg.id, err: &WriteError{Path: tg.path, Off: tg.written, Err: err}}
			continue
		}

		tg.written += uint64(n)
		tg.sink.Set(tg.written)
		results <- writeResult{id: tg.id}
	}
}

// failActive marks every still-writing target failed and releases its
// writer.
func (t *Task) failActive(err error) {
	for _, tg := range t.targets {
		if tg.status == StatusWriting {
			tg.fail(err)
			close(tg.chunks)
		}
	}
}

// verifyPhase re-reads each surviving target and compares it against
// the image, all targets concurrently.
func (t *Task) verifyPhase(ctx context.Context, chunkSize int) {
	var wg sync.WaitGroup
	for _, tg := range t.targets {
		if tg.status != StatusWriting {
			continue
		}
		tg.status = StatusVerifying
		tg.sink.Message("V", "")

		wg.Add(1)
		go func(tg *target) {
			defer wg.Done()
			if err := t.verify(ctx, tg, chunkSize); err != nil {
				tg.fail(err)
				return
			}
			tg.status = StatusFinished
			tg.sink.Finish()
		}(tg)
	}
	wg.Wait()
}

func (t *Task) verify(ctx context.Context, tg *target, chunkSize int) error {
	src, err := t.img.Reopen()
	if err != nil {
		return &VerificationError{Path: tg.path, Err: err}
	}
	defer src.Close()

	if _, err := tg.handle.Seek(0, io.SeekStart); err != nil {
		return &VerificationError{Path: tg.path, Err: err}
	}

	want := make([]byte, chunkSize)
	got := make([]byte, chunkSize)
	var off uint64

	for {
		if err := ctx.Err(); err != nil {
			return &VerificationError{Path: tg.path, Off: off, Err: err}
		}

		n, rerr := src.Read(want)
		if n > 0 {
			if _, err := io.ReadFull(tg.handle, got[:n]); err != nil {
				return &VerificationError{Path: tg.path, Off: off, Err: fmt.Errorf("short read: %w", err)}
			}
			if !bytes.Equal(want[:n], got[:n]) {
				i := 0
				for want[i] == got[i] {
					i++
				}
				return &VerificationError{Path: tg.path, Off: off + uint64(i)}
			}
			off += uint64(n)
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return &VerificationError{Path: tg.path, Off: off, Err: rerr}
		}
	}
}

func (t *Task) close() {
	t.img.Close()
	for _, tg := range t.targets {
		tg.handle.Close()
	}
}
