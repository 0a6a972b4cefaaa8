package trackengine

import (
	"errors"
	"fmt"
)

// ErrUnknownStream is returned for operations referencing a stream id that
// was never registered or has already been closed.
var ErrUnknownStream = errors.New("unknown stream")

// ConfigurationError reports a stream parameter outside its documented range.
// The stream's previous configuration is left untouched when it is returned.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// InvalidInputError reports a malformed call shape: duplicate stream ids in
// one batch, frames for unregistered streams, or frame number regressions.
// State is never mutated before it is returned.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

func invalidInputf(format string, args ...any) *InvalidInputError {
	return &InvalidInputError{Reason: fmt.Sprintf(format, args...)}
}

// NativeProcessingError wraps a failure of the detector, redetector or
// embedder batch call. No partial results are produced and no track state is
// mutated for the affected frames.
type NativeProcessingError struct {
	Stage string // "detect", "redetect" or "embed"
	Err   error
}

func (e *NativeProcessingError) Error() string {
	return fmt.Sprintf("%s batch failed: %v", e.Stage, e.Err)
}

func (e *NativeProcessingError) Unwrap() error { return e.Err }
