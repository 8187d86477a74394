// Package detection runs object detection on frames that survived motion
// and zone filtering. Backends (HTTP, gRPC, local ONNX) produce raw boxes;
// the Detector applies thresholds, the class allow-list, NMS and the person
// aspect-ratio filter, and degrades every fault to an empty result.
package detection

import (
	"context"
	"time"

	"sentinel/internal/pipeline"
)

// healthCacheTTL is how long a backend health probe result is reused
const healthCacheTTL = 30 * time.Second

// Request is one inference call
type Request struct {
	Frame         *pipeline.Frame
	Hints         []pipeline.Region // Motion regions, backends may use them to crop
	MinConfidence float32           // Backends may drop boxes below this early
	Classes       []string          // Class allow-list, backends may filter early
}

// Backend is an object detection engine. Returned detections only need
// Class, Confidence and Box set, in frame pixel coordinates.
type Backend interface {
	Name() string
	Infer(ctx context.Context, req Request) ([]pipeline.Detection, error)
	IsHealthy(ctx context.Context) bool
	Close() error
}
