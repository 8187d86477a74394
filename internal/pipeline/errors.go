package pipeline

import (
	"errors"
	"fmt"
)

// ErrSourceFailed marks a stream fault that exhausted its reconnect budget
var ErrSourceFailed = errors.New("source failed")

// StreamFault is a transport or read failure of a camera source.
// Transient faults are retried with backoff; a Permanent fault means the
// attempt ceiling was breached and the source is marked failed.
type StreamFault struct {
	CameraID  string
	Attempt   int
	Permanent bool
	Err       error
}

func (e *StreamFault) Error() string {
	if e.Permanent {
		return fmt.Sprintf("stream fault on camera %s: source failed after %d attempts: %v", e.CameraID, e.Attempt, e.Err)
	}
	return fmt.Sprintf("stream fault on camera %s (attempt %d): %v", e.CameraID, e.Attempt, e.Err)
}

func (e *StreamFault) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSourceFailed) match permanent faults
func (e *StreamFault) Is(target error) bool {
	return target == ErrSourceFailed && e.Permanent
}

// InferenceFault is a per-frame detector failure. It is never fatal: the
// frame simply yields no detections.
type InferenceFault struct {
	CameraID string
	Backend  string
	Err      error
}

func (e *InferenceFault) Error() string {
	return fmt.Sprintf("inference fault on camera %s (backend %s): %v", e.CameraID, e.Backend, e.Err)
}

func (e *InferenceFault) Unwrap() error { return e.Err }

// ConfirmationFault is a failure talking to the confirmation service
type ConfirmationFault struct {
	Attempt   int
	Transient bool
	TimedOut  bool
	Err       error
}

func (e *ConfirmationFault) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("confirmation timed out after %d attempts: %v", e.Attempt, e.Err)
	case e.Transient:
		return fmt.Sprintf("confirmation transient fault (attempt %d): %v", e.Attempt, e.Err)
	default:
		return fmt.Sprintf("confirmation fault (attempt %d): %v", e.Attempt, e.Err)
	}
}

func (e *ConfirmationFault) Unwrap() error { return e.Err }

// ConfigurationError is an invalid configuration value. It is only
// produced at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// ConfigErrorf builds a ConfigurationError with a formatted reason
func ConfigErrorf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
