package flash

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRegistration indicates Subscribe was called after processing
// began. The target set is fixed once Process starts.
var ErrRegistration = errors.New("target registered after processing began")

// WriteError reports a failed chunk write, or the final sync, on one
// target. Disk full, device removal and plain I/O errors all land
// here; only the wrapped cause differs.
type WriteError struct {
	Path string
	Off  uint64
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing to '%s' failed at offset %d", e.Path, e.Off)
}

func (e *WriteError) Unwrap() error { return e.Err }

// VerificationError reports that a target's contents diverge from the
// image. Off is the first divergent byte offset, or the offset at
// which a read failed.
type VerificationError struct {
	Path string
	Off  uint64
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verifying '%s' failed at offset %d", e.Path, e.Off)
	}
	return fmt.Sprintf("'%s' differs from the image at offset %d", e.Path, e.Off)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// TargetFailure pairs a failed target's identity with its cause.
type TargetFailure struct {
	ID   int
	Path string
	Err  error
}

// AggregateError is the run-level result when at least one target
// failed. Targets that succeeded are not listed.
type AggregateError struct {
	Failures []TargetFailure
}

func (e *AggregateError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("target '%s' failed: %v", f.Path, f.Err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d targets failed", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "; '%s': %v", f.Path, f.Err)
	}
	return b.String()
}

// Unwrap exposes every per-target cause to errors.Is and errors.As.
func (e *AggregateError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
