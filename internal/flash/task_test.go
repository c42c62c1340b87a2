package flash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pop-os/muff/internal/image"
)

const chunkSize = 64 * 1024

type sinkEvent struct {
	op      string // "message", "set", "finished"
	kind    string
	text    string
	written uint64
}

// recordSink captures every sink call for later assertions.
type recordSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *recordSink) Message(kind, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{op: "message", kind: kind, text: text})
}

func (s *recordSink) Set(written uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{op: "set", written: written})
}

func (s *recordSink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{op: "finished"})
}

func (s *recordSink) sets() []uint64 {
	var out []uint64
	for _, ev := range s.events {
		if ev.op == "set" {
			out = append(out, ev.written)
		}
	}
	return out
}

func (s *recordSink) count(op string) int {
	n := 0
	for _, ev := range s.events {
		if ev.op == op {
			n++
		}
	}
	return n
}

// faultHandle wraps a real file and injects write failures, silent
// corruption at a chosen byte offset, or data loss at sync time.
type faultHandle struct {
	*os.File
	written    int64
	failAfter  int64 // error on the write crossing this offset; <0 disables
	corruptAt  int64 // flip the byte at this offset; <0 disables
	truncateTo int64 // shrink the file during Sync; <0 disables
}

func newFaultHandle(f *os.File) *faultHandle {
	return &faultHandle{File: f, failAfter: -1, corruptAt: -1, truncateTo: -1}
}

func (h *faultHandle) Write(p []byte) (int, error) {
	if h.failAfter >= 0 && h.written+int64(len(p)) > h.failAfter {
		return 0, errors.New("no space left on device")
	}

	if h.corruptAt >= h.written && h.corruptAt < h.written+int64(len(p)) {
		q := append([]byte(nil), p...)
		q[h.corruptAt-h.written] ^= 0xff
		h.written += int64(len(p))
		return h.File.Write(q)
	}

	h.written += int64(len(p))
	return h.File.Write(p)
}

func (h *faultHandle) Sync() error {
	if h.truncateTo >= 0 {
		if err := h.File.Truncate(h.truncateTo); err != nil {
			return err
		}
	}
	return h.File.Sync()
}

func makeImage(t *testing.T, size int) (*image.Image, []byte) {
	t.Helper()

	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)

	path := filepath.Join(t.TempDir(), "source.img")
	require.NoError(t, os.WriteFile(path, data, 0644))

	img, err := image.Open(path)
	require.NoError(t, err)
	return img, data
}

func makeTarget(t *testing.T, name string) (string, *os.File) {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	return path, f
}

func TestProcessFlashesAllTargets(t *testing.T) {
	img, data := makeImage(t, 16*chunkSize)
	task := NewTask(img, false)

	var paths []string
	var sinks []*recordSink
	for i := 0; i < 3; i++ {
		path, f := makeTarget(t, fmt.Sprintf("target%d", i))
		sink := &recordSink{}
		require.NoError(t, task.Subscribe(f, path, sink))
		paths = append(paths, path)
		sinks = append(sinks, sink)
	}

	buf := make([]byte, chunkSize)
	require.NoError(t, task.Process(context.Background(), buf))

	for i, path := range paths {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "target %d contents differ from image", i)

		sink := sinks[i]
		sets := sink.sets()
		require.Len(t, sets, 16, "target %d should get one Set per chunk", i)
		for j := 1; j < len(sets); j++ {
			assert.Greater(t, sets[j], sets[j-1], "target %d Sets must be strictly increasing", i)
		}
		assert.Equal(t, uint64(len(data)), sets[len(sets)-1])

		assert.Equal(t, 1, sink.count("finished"), "target %d must finish exactly once", i)
		assert.Equal(t, "finished", sink.events[len(sink.events)-1].op,
			"target %d Finished must come after the last Set", i)
	}
}

func TestTargetFailureIsIsolated(t *testing.T) {
	img, data := makeImage(t, 16*chunkSize)
	task := NewTask(img, false)

	goodPath0, good0 := makeTarget(t, "good0")
	badPath, bad := makeTarget(t, "bad")
	goodPath1, good1 := makeTarget(t, "good1")

	// The failing target accepts 10 chunks, then reports disk full.
	fh := newFaultHandle(bad)
	fh.failAfter = 10 * chunkSize

	sink0, sinkBad, sink1 := &recordSink{}, &recordSink{}, &recordSink{}
	require.NoError(t, task.Subscribe(good0, goodPath0, sink0))
	require.NoError(t, task.Subscribe(fh, badPath, sinkBad))
	require.NoError(t, task.Subscribe(good1, goodPath1, sink1))

	err := task.Process(context.Background(), make([]byte, chunkSize))
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, 1, agg.Failures[0].ID)
	assert.Equal(t, badPath, agg.Failures[0].Path)

	var werr *WriteError
	require.ErrorAs(t, agg.Failures[0].Err, &werr)
	assert.Equal(t, uint64(10*chunkSize), werr.Off)
	assert.Contains(t, werr.Unwrap().Error(), "no space left")

	// The failed target stops at its last good chunk and never finishes.
	badSets := sinkBad.sets()
	require.Len(t, badSets, 10)
	assert.Equal(t, uint64(10*chunkSize), badSets[len(badSets)-1])
	assert.Equal(t, 0, sinkBad.count("finished"))

	// The siblings are untouched by the failure.
	for i, pair := range []struct {
		path string
		sink *recordSink
	}{{goodPath0, sink0}, {goodPath1, sink1}} {
		got, err := os.ReadFile(pair.path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got), "surviving target %d contents differ", i)
		assert.Len(t, pair.sink.sets(), 16)
		assert.Equal(t, 1, pair.sink.count("finished"))
	}
}

func TestVerifyPassesCleanTargets(t *testing.T) {
	img, data := makeImage(t, 4*chunkSize)
	task := NewTask(img, true)

	path, f := makeTarget(t, "target")
	sink := &recordSink{}
	require.NoError(t, task.Subscribe(f, path, sink))

	require.NoError(t, task.Process(context.Background(), make([]byte, chunkSize)))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	assert.Equal(t, 1, sink.count("finished"))
	assert.Equal(t, "finished", sink.events[len(sink.events)-1].op,
		"Finished must come only after verification")

	// No Set events during verification: the last Set is the write
	// phase's final byte count.
	sets := sink.sets()
	assert.Equal(t, uint64(len(data)), sets[len(sets)-1])
	assert.Len(t, sets, 4)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	img, _ := makeImage(t, 16*chunkSize)
	task := NewTask(img, true)

	const corruptAt = 700000 // inside chunk 10

	cleanPath, clean := makeTarget(t, "clean")
	badPath, bad := makeTarget(t, "bad")
	fh := newFaultHandle(bad)
	fh.corruptAt = corruptAt

	cleanSink, badSink := &recordSink{}, &recordSink{}
	require.NoError(t, task.Subscribe(clean, cleanPath, cleanSink))
	require.NoError(t, task.Subscribe(fh, badPath, badSink))

	err := task.Process(context.Background(), make([]byte, chunkSize))
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, badPath, agg.Failures[0].Path)

	var verr *VerificationError
	require.ErrorAs(t, agg.Failures[0].Err, &verr)
	assert.Equal(t, uint64(corruptAt), verr.Off)

	assert.Equal(t, 0, badSink.count("finished"))
	assert.Equal(t, 1, cleanSink.count("finished"))
}

func TestVerifyDetectsTruncatedTarget(t *testing.T) {
	img, _ := makeImage(t, 16*chunkSize)
	task := NewTask(img, true)

	// The bad target silently loses everything past chunk 10 when the
	// write phase flushes it, so verification comes up short mid-read.
	const keep = 10*chunkSize + 100

	cleanPath, clean := makeTarget(t, "clean")
	badPath, bad := makeTarget(t, "bad")
	fh := newFaultHandle(bad)
	fh.truncateTo = keep

	cleanSink, badSink := &recordSink{}, &recordSink{}
	require.NoError(t, task.Subscribe(clean, cleanPath, cleanSink))
	require.NoError(t, task.Subscribe(fh, badPath, badSink))

	err := task.Process(context.Background(), make([]byte, chunkSize))
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	require.Len(t, agg.Failures, 1)
	assert.Equal(t, badPath, agg.Failures[0].Path)

	var verr *VerificationError
	require.ErrorAs(t, agg.Failures[0].Err, &verr)
	assert.Equal(t, uint64(10*chunkSize), verr.Off,
		"offset must point at the chunk the short read happened in")
	assert.ErrorIs(t, verr, io.ErrUnexpectedEOF)

	assert.Equal(t, 0, badSink.count("finished"))
	assert.Equal(t, 1, cleanSink.count("finished"))
}

func TestSubscribeAfterProcess(t *testing.T) {
	img, _ := makeImage(t, chunkSize)
	task := NewTask(img, false)

	path, f := makeTarget(t, "target")
	require.NoError(t, task.Subscribe(f, path, &recordSink{}))
	require.NoError(t, task.Process(context.Background(), make([]byte, chunkSize)))

	_, late := makeTarget(t, "late")
	defer late.Close()
	assert.ErrorIs(t, task.Subscribe(late, "late", &recordSink{}), ErrRegistration)
}

func TestCancelledRunFailsActiveTargets(t *testing.T) {
	img, _ := makeImage(t, 16*chunkSize)
	task := NewTask(img, false)

	var sinks []*recordSink
	for i := 0; i < 2; i++ {
		path, f := makeTarget(t, fmt.Sprintf("target%d", i))
		sink := &recordSink{}
		require.NoError(t, task.Subscribe(f, path, sink))
		sinks = append(sinks, sink)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := task.Process(ctx, make([]byte, chunkSize))
	require.Error(t, err)

	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Failures, 2)
	assert.ErrorIs(t, err, context.Canceled)

	for _, sink := range sinks {
		assert.Equal(t, 0, sink.count("finished"))
	}
}

func TestProcessRejectsEmptyBuffer(t *testing.T) {
	img, _ := makeImage(t, chunkSize)
	task := NewTask(img, false)
	defer img.Close()

	require.Error(t, task.Process(context.Background(), nil))
}

func TestProcessRunsOnlyOnce(t *testing.T) {
	img, _ := makeImage(t, chunkSize)
	task := NewTask(img, false)

	path, f := makeTarget(t, "target")
	require.NoError(t, task.Subscribe(f, path, &recordSink{}))

	buf := make([]byte, chunkSize)
	require.NoError(t, task.Process(context.Background(), buf))
	require.Error(t, task.Process(context.Background(), buf))
}
