package pipeline

import (
	"context"
)

// FrameSource produces frames for one camera
type FrameSource interface {
	// Open starts capture and returns the frame stream. The channel is
	// closed when ctx is cancelled.
	Open(ctx context.Context) <-chan *Frame

	// Liveness returns the current connection state
	Liveness() Liveness
}

// MotionFilter is the per-camera motion pre-filter.
// Implementations update their background model on every call.
type MotionFilter interface {
	Detect(frame *Frame) []Region
	Reset()
}

// ObjectDetector runs object detection on frames that survived motion and
// zone filtering. Faults degrade to an empty result.
type ObjectDetector interface {
	Detect(ctx context.Context, frame *Frame, hints []Region) []Detection
}

// Confirmer asks an external vision-language service to confirm an event.
// Confirm must return within its configured timeout.
type Confirmer interface {
	Confirm(ctx context.Context, event *Event) Confirmation
	Enabled() bool
}

// EventSink receives finalized events and liveness reports. The pipeline
// calls PublishEvent exactly once per event; retrying downstream failures
// is the sink's responsibility.
type EventSink interface {
	PublishEvent(ctx context.Context, event *Event) error
	PublishLiveness(ctx context.Context, ev LivenessEvent) error
}

// StateHandler receives event state transitions
type StateHandler interface {
	OnStateChange(change StateChange)
}

// StateHandlerFunc adapts a function to StateHandler
type StateHandlerFunc func(change StateChange)

func (f StateHandlerFunc) OnStateChange(change StateChange) { f(change) }

// CaptureStats contains frame capture statistics for one camera
type CaptureStats struct {
	CameraID       string
	FramesCaptured uint64
	FramesDropped  uint64
	DecodeErrors   uint64
	ReadFailures   uint64
	Reconnects     uint64
	LastFrameTime  int64 // Unix timestamp
	Liveness       Liveness
}

// LaneStats contains per-camera pipeline counters
type LaneStats struct {
	CameraID          string
	FramesSeen        uint64
	MotionFrames      uint64
	InferenceRuns     uint64
	InferenceDropped  uint64
	Detections        uint64
	Triggers          uint64
	LastDetectionTime int64
	Capture           *CaptureStats
}
