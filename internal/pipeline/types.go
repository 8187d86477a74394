package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"
)

// SourceKind identifies the sensor type of a camera
type SourceKind string

const (
	SourceColor   SourceKind = "color"
	SourceThermal SourceKind = "thermal"
)

// Valid reports whether k is a known source kind
func (k SourceKind) Valid() bool {
	return k == SourceColor || k == SourceThermal
}

// Liveness is the connection state of a camera source
type Liveness string

const (
	LivenessConnecting Liveness = "connecting"
	LivenessConnected  Liveness = "connected"
	LivenessDegraded   Liveness = "degraded"
	LivenessFailed     Liveness = "failed"
)

// Frame is a decoded raster image captured from one camera.
// Frames are immutable once produced and are shared by pointer between
// the motion filter, the ring buffer and the event assembler.
type Frame struct {
	CameraID  string     // Camera identifier
	Kind      SourceKind // Sensor type of the producing camera
	Seq       uint64     // Per-camera sequence number, strictly increasing
	Timestamp time.Time  // Capture timestamp, non-decreasing per camera
	Image     image.Image
	JPEG      []byte // Encoded form, used for inference and evidence
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// EncodeJPEG returns the encoded frame, encoding the raster at quality 85
// when no encoded form was captured
func (f *Frame) EncodeJPEG() ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("nil frame")
	}
	if len(f.JPEG) > 0 {
		return f.JPEG, nil
	}
	if f.Image == nil {
		return nil, fmt.Errorf("frame %d has no image data", f.Seq)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// BBox is a bounding box in frame pixel coordinates
type BBox struct {
	X1 float32 `json:"x1"` // Left
	Y1 float32 `json:"y1"` // Top
	X2 float32 `json:"x2"` // Right
	Y2 float32 `json:"y2"` // Bottom
}

// Valid reports whether the box has positive width and height
func (b BBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

func (b BBox) Width() float32  { return b.X2 - b.X1 }
func (b BBox) Height() float32 { return b.Y2 - b.Y1 }

// Area returns the box area, zero for invalid boxes
func (b BBox) Area() float32 {
	if !b.Valid() {
		return 0
	}
	return b.Width() * b.Height()
}

// Center returns the box centroid
func (b BBox) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Contains reports whether o lies entirely inside b
func (b BBox) Contains(o BBox) bool {
	return o.X1 >= b.X1 && o.Y1 >= b.Y1 && o.X2 <= b.X2 && o.Y2 <= b.Y2
}

// IoU returns the intersection over union of two boxes
func (b BBox) IoU(o BBox) float32 {
	ix1, iy1 := max(b.X1, o.X1), max(b.Y1, o.Y1)
	ix2, iy2 := min(b.X2, o.X2), min(b.Y2, o.Y2)
	inter := BBox{ix1, iy1, ix2, iy2}.Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Region is a motion candidate produced by the motion pre-filter
type Region struct {
	Box  BBox `json:"box"`
	Area int  `json:"area"` // Bounding box area in frame pixels
}

// Detection is a single typed object detection. Detections live for one
// pipeline pass and are never persisted directly.
type Detection struct {
	Class        string     `json:"class"`
	Confidence   float32    `json:"confidence"`
	Box          BBox       `json:"box"`
	CameraID     string     `json:"camera_id"`
	Kind         SourceKind `json:"kind"`
	Timestamp    time.Time  `json:"timestamp"`
	SingleSource bool       `json:"single_source,omitempty"` // Set by the correlator for unmatched pair detections
	Sources      []string   `json:"sources,omitempty"`       // Cameras that contributed to this detection
	Zones        []string   `json:"zones,omitempty"`
}

// EventState is a state of the event lifecycle
type EventState string

const (
	StateIdle                EventState = "idle"
	StateTriggered           EventState = "triggered"
	StateCapturingAfter      EventState = "capturing_after"
	StatePendingConfirmation EventState = "pending_confirmation"
	StateFinalizing          EventState = "finalizing"
	StateConfirmed           EventState = "confirmed"
	StateRejected            EventState = "rejected"
	StateTimedOut            EventState = "timed_out"
)

// Terminal reports whether s is a final state
func (s EventState) Terminal() bool {
	return s == StateConfirmed || s == StateRejected || s == StateTimedOut
}

// Verdict is the outcome of AI confirmation
type Verdict string

const (
	VerdictPositive     Verdict = "positive"
	VerdictNegative     Verdict = "negative"
	VerdictInconclusive Verdict = "inconclusive"
)

// Confirmation is the interpreted response of the confirmation service
type Confirmation struct {
	Verdict           Verdict `json:"verdict"`
	Confidence        float32 `json:"confidence"`
	Description       string  `json:"description,omitempty"`
	ThreatLevel       string  `json:"threat_level,omitempty"`
	RecommendedAction string  `json:"recommended_action,omitempty"`
	Attempts          int     `json:"attempts"`
	TimedOut          bool    `json:"timed_out,omitempty"`
	Disabled          bool    `json:"disabled,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// Evidence holds the frames attached to an event
type Evidence struct {
	Before []*Frame `json:"-"`
	Peak   *Frame   `json:"-"`
	After  []*Frame `json:"-"`
}

// Frames returns all evidence frames in time order
func (e Evidence) Frames() []*Frame {
	out := make([]*Frame, 0, len(e.Before)+len(e.After)+1)
	out = append(out, e.Before...)
	if e.Peak != nil {
		out = append(out, e.Peak)
	}
	return append(out, e.After...)
}

// Event is the unit of pipeline output. It is owned by the event assembler
// until it is handed to the sink; after that it is never mutated.
type Event struct {
	ID              string        `json:"id"`
	CameraID        string        `json:"camera_id"`
	CameraIDs       []string      `json:"camera_ids"`
	TriggeredAt     time.Time     `json:"triggered_at"`
	FinalizedAt     time.Time     `json:"finalized_at"`
	State           EventState    `json:"state"`
	Confidence      float32       `json:"confidence"`
	Peak            Detection     `json:"peak"`
	Triggers        int           `json:"triggers"`
	Evidence        Evidence      `json:"-"`
	Confirmation    *Confirmation `json:"confirmation,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	Unconfirmed     bool          `json:"unconfirmed,omitempty"`
	Incomplete      bool          `json:"incomplete,omitempty"`
}

// Clone returns a copy of the event whose slices are not shared with e.
// Frames are immutable and stay shared.
func (e *Event) Clone() *Event {
	c := *e
	c.CameraIDs = append([]string(nil), e.CameraIDs...)
	c.Evidence.Before = append([]*Frame(nil), e.Evidence.Before...)
	c.Evidence.After = append([]*Frame(nil), e.Evidence.After...)
	c.Peak.Sources = append([]string(nil), e.Peak.Sources...)
	c.Peak.Zones = append([]string(nil), e.Peak.Zones...)
	if e.Confirmation != nil {
		conf := *e.Confirmation
		c.Confirmation = &conf
	}
	return &c
}

// LivenessEvent reports a change of a camera's connection state
type LivenessEvent struct {
	CameraID  string    `json:"camera_id"`
	State     Liveness  `json:"state"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StateChange is published on every event state transition
type StateChange struct {
	CameraID string     `json:"camera_id"`
	EventID  string     `json:"event_id"`
	From     EventState `json:"from"`
	To       EventState `json:"to"`
	At       time.Time  `json:"at"`
}
