// Package engine runs one processing lane per camera. A lane reads frames
// from its source, feeds the event assembler, filters by motion and zones
// and submits the surviving frames to the shared inference pool. Detections
// of paired cameras go through the correlator before they reach the
// assembler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sentinel/internal/assembler"
	"sentinel/internal/correlate"
	"sentinel/internal/detection"
	"sentinel/internal/pipeline"
	"sentinel/internal/zone"
)

const (
	livenessBuffer  = 64
	livenessTimeout = 15 * time.Second
)

// Lane describes the stages of one camera
type Lane struct {
	CameraID string
	Kind     pipeline.SourceKind
	Source   pipeline.FrameSource
	Motion   pipeline.MotionFilter
	Zones    *zone.Filter // nil passes everything
	Detector pipeline.ObjectDetector
	Pair     *correlate.Pair // nil for unpaired cameras
}

type lane struct {
	Lane

	cancel context.CancelFunc
	done   chan struct{}

	// At most one frame of a lane is being inferred at any time
	inflight atomic.Bool

	framesSeen       atomic.Uint64
	motionFrames     atomic.Uint64
	inferenceRuns    atomic.Uint64
	inferenceDropped atomic.Uint64
	detections       atomic.Uint64
	triggers         atomic.Uint64
	lastDetection    atomic.Int64
}

// FrameObserver sees every frame of every lane and every non-empty
// detection result. Calls come from lane and pool goroutines and must not
// block.
type FrameObserver interface {
	OnFrame(frame *pipeline.Frame)
	OnDetections(cameraID string, dets []pipeline.Detection)
}

// Manager owns the lanes of all cameras
type Manager struct {
	asm      *assembler.Assembler
	pool     *detection.Pool
	sink     pipeline.EventSink
	observer FrameObserver

	mu    sync.RWMutex
	lanes map[string]*lane

	livenessMu     sync.Mutex
	livenessClosed bool
	lastLiveness   map[string]pipeline.LivenessEvent
	liveness       chan pipeline.LivenessEvent
	livenessDone   chan struct{}
	livenessLost   atomic.Uint64

	closeOnce sync.Once
}

// NewManager creates a manager. sink receives liveness reports; it may be
// nil.
func NewManager(asm *assembler.Assembler, pool *detection.Pool, sink pipeline.EventSink) *Manager {
	m := &Manager{
		asm:          asm,
		pool:         pool,
		sink:         sink,
		lanes:        make(map[string]*lane),
		lastLiveness: make(map[string]pipeline.LivenessEvent),
		liveness:     make(chan pipeline.LivenessEvent, livenessBuffer),
		livenessDone: make(chan struct{}),
	}
	go m.deliverLiveness()
	return m
}

// SetObserver installs o. It must be called before the first Start.
func (m *Manager) SetObserver(o FrameObserver) {
	m.observer = o
}

// Start starts the lane of a camera
func (m *Manager) Start(ctx context.Context, l Lane) error {
	if l.CameraID == "" || l.Source == nil || l.Motion == nil || l.Detector == nil {
		return fmt.Errorf("lane %q is incomplete", l.CameraID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.lanes[l.CameraID]; exists {
		return fmt.Errorf("lane already exists for camera %s", l.CameraID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	ln := &lane{Lane: l, cancel: cancel, done: make(chan struct{})}
	m.lanes[l.CameraID] = ln

	go m.run(runCtx, ln)

	slog.Info("engine: lane started", "camera", l.CameraID, "kind", l.Kind, "paired", l.Pair != nil)
	return nil
}

// Stop stops the lane of a camera and waits for it to exit. The camera's
// event assembler is stopped too, emitting an open event as timed out and
// incomplete. Stopping the secondary of a pair only detaches it: events
// belong to the primary, which keeps its assembler. Inference already
// submitted for the lane may still complete; its trigger is ignored.
func (m *Manager) Stop(cameraID string) error {
	m.mu.Lock()
	ln, exists := m.lanes[cameraID]
	if exists {
		delete(m.lanes, cameraID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("no lane for camera %s", cameraID)
	}
	ln.cancel()
	<-ln.done

	if ln.Pair == nil || ln.Pair.Primary() == cameraID {
		m.asm.StopCamera(cameraID)
	}

	slog.Info("engine: lane stopped", "camera", cameraID)
	return nil
}

// Close stops every lane, waits for in-flight inference, closes the
// assembler (which finalizes open events) and drains pending liveness
// reports.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		lanes := make([]*lane, 0, len(m.lanes))
		for id, ln := range m.lanes {
			lanes = append(lanes, ln)
			delete(m.lanes, id)
		}
		m.mu.Unlock()

		for _, ln := range lanes {
			ln.cancel()
		}
		for _, ln := range lanes {
			<-ln.done
		}

		m.pool.Wait()
		m.asm.Close()

		m.livenessMu.Lock()
		m.livenessClosed = true
		close(m.liveness)
		m.livenessMu.Unlock()
		<-m.livenessDone
	})
}

// OnLiveness receives liveness changes from camera sources. A failed camera
// releases an event waiting for its after frame. Delivery to the sink
// happens off the capture goroutine; reports are dropped when the queue is
// full.
func (m *Manager) OnLiveness(ev pipeline.LivenessEvent) {
	if ev.State == pipeline.LivenessFailed {
		m.asm.CameraFailed(ev.CameraID)
	}

	m.livenessMu.Lock()
	defer m.livenessMu.Unlock()

	m.lastLiveness[ev.CameraID] = ev
	if m.livenessClosed {
		return
	}
	select {
	case m.liveness <- ev:
	default:
		m.livenessLost.Add(1)
		slog.Warn("engine: liveness queue full, report dropped", "camera", ev.CameraID, "state", ev.State)
	}
}

func (m *Manager) deliverLiveness() {
	defer close(m.livenessDone)
	for ev := range m.liveness {
		if m.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), livenessTimeout)
		if err := m.sink.PublishLiveness(ctx, ev); err != nil {
			slog.Warn("engine: liveness delivery failed", "camera", ev.CameraID, "state", ev.State, "err", err)
		}
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, ln *lane) {
	defer close(ln.done)
	for frame := range ln.Source.Open(ctx) {
		m.processFrame(ctx, ln, frame)
	}
}

func (m *Manager) processFrame(ctx context.Context, ln *lane, frame *pipeline.Frame) {
	ln.framesSeen.Add(1)

	// Every frame is context for a possible event, motion or not
	m.asm.Observe(frame)
	if m.observer != nil {
		m.observer.OnFrame(frame)
	}

	regions := ln.Motion.Detect(frame)
	if len(regions) > 0 && ln.Zones != nil {
		regions = ln.Zones.FilterRegions(regions, frame.Width(), frame.Height())
	}
	if len(regions) == 0 {
		return
	}
	ln.motionFrames.Add(1)

	if !ln.inflight.CompareAndSwap(false, true) {
		ln.inferenceDropped.Add(1)
		return
	}
	submitted := m.pool.TrySubmit(ctx, func(ctx context.Context) {
		defer ln.inflight.Store(false)
		m.infer(ctx, ln, frame, regions)
	})
	if !submitted {
		ln.inflight.Store(false)
		ln.inferenceDropped.Add(1)
		slog.Debug("engine: inference pool busy, frame skipped", "camera", ln.CameraID, "seq", frame.Seq)
	}
}

func (m *Manager) infer(ctx context.Context, ln *lane, frame *pipeline.Frame, regions []pipeline.Region) {
	ln.inferenceRuns.Add(1)

	dets := ln.Detector.Detect(ctx, frame, regions)
	if len(dets) > 0 && ln.Zones != nil {
		dets = ln.Zones.FilterDetections(dets, frame.Width(), frame.Height())
	}
	if len(dets) == 0 {
		return
	}
	ln.detections.Add(uint64(len(dets)))
	ln.lastDetection.Store(frame.Timestamp.Unix())
	if m.observer != nil {
		m.observer.OnDetections(frame.CameraID, dets)
	}

	det := strongest(dets)
	if det.CameraID == "" {
		det.CameraID = frame.CameraID
	}
	if det.Kind == "" {
		det.Kind = frame.Kind
	}
	if det.Timestamp.IsZero() {
		det.Timestamp = frame.Timestamp
	}
	if ln.Pair != nil {
		det = ln.Pair.Add(det)
	}

	m.asm.Trigger(det, frame)
	ln.triggers.Add(1)
}

// strongest returns the detection with the highest confidence. The event
// follows its best detection, so one per frame is enough.
func strongest(dets []pipeline.Detection) pipeline.Detection {
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best
}

// Stats returns the counters of every lane ordered by camera id
func (m *Manager) Stats() []pipeline.LaneStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]pipeline.LaneStats, 0, len(m.lanes))
	for _, ln := range m.lanes {
		s := pipeline.LaneStats{
			CameraID:          ln.CameraID,
			FramesSeen:        ln.framesSeen.Load(),
			MotionFrames:      ln.motionFrames.Load(),
			InferenceRuns:     ln.inferenceRuns.Load(),
			InferenceDropped:  ln.inferenceDropped.Load(),
			Detections:        ln.detections.Load(),
			Triggers:          ln.triggers.Load(),
			LastDetectionTime: ln.lastDetection.Load(),
		}
		if src, ok := ln.Source.(interface{ Stats() pipeline.CaptureStats }); ok {
			capture := src.Stats()
			s.Capture = &capture
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// CameraStatus is the externally visible state of one camera
type CameraStatus struct {
	CameraID   string                  `json:"camera_id"`
	Kind       pipeline.SourceKind     `json:"kind"`
	Liveness   pipeline.Liveness       `json:"liveness"`
	State      pipeline.EventState     `json:"state,omitempty"`
	EventID    string                  `json:"event_id,omitempty"`
	LastChange *pipeline.LivenessEvent `json:"last_change,omitempty"`
}

// Status returns the liveness and event state of every camera ordered by
// camera id. Cameras of a pair report the state of the shared event.
func (m *Manager) Status() []CameraStatus {
	m.mu.RLock()
	lanes := make([]*lane, 0, len(m.lanes))
	for _, ln := range m.lanes {
		lanes = append(lanes, ln)
	}
	m.mu.RUnlock()

	out := make([]CameraStatus, 0, len(lanes))
	for _, ln := range lanes {
		st := CameraStatus{
			CameraID: ln.CameraID,
			Kind:     ln.Kind,
			Liveness: ln.Source.Liveness(),
		}
		if snap, ok := m.asm.Snapshot(ln.CameraID); ok {
			st.State = snap.State
			st.EventID = snap.EventID
		}
		m.livenessMu.Lock()
		if ev, ok := m.lastLiveness[ln.CameraID]; ok {
			st.LastChange = &ev
		}
		m.livenessMu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// LivenessDropped returns the number of liveness reports lost to a full
// queue
func (m *Manager) LivenessDropped() uint64 {
	return m.livenessLost.Load()
}
