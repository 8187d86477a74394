package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"sentinel/internal/pipeline"
)

// Config holds detector post-processing settings
type Config struct {
	Timeout      time.Duration
	IoUThreshold float32
	Classes      []string // Allow-list; empty allows every class
	MinAspect    float32  // Person box height/width lower bound, 0 disables
	MaxAspect    float32  // Person box height/width upper bound, 0 disables

	// Thresholds are the default confidence floors per source kind
	Thresholds map[pipeline.SourceKind]float32
}

// errNoBackend is returned when no registered backend is healthy
var errNoBackend = errors.New("no healthy detection backend")

// Detector implements pipeline.ObjectDetector on top of a Registry
type Detector struct {
	registry *Registry
	cfg      Config
	allowed  map[string]bool
}

// NewDetector creates a detector
func NewDetector(registry *Registry, cfg Config) *Detector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = 0.45
	}
	allowed := make(map[string]bool, len(cfg.Classes))
	for _, c := range cfg.Classes {
		allowed[c] = true
	}
	return &Detector{registry: registry, cfg: cfg, allowed: allowed}
}

// Detect runs detection with the threshold of the frame's source kind
func (d *Detector) Detect(ctx context.Context, frame *pipeline.Frame, hints []pipeline.Region) []pipeline.Detection {
	if frame == nil {
		return nil
	}
	return d.DetectWithThreshold(ctx, frame, hints, d.cfg.Thresholds[frame.Kind])
}

// WithThreshold returns a view of the detector using a fixed confidence
// floor, used for cameras that override the per-kind default
func (d *Detector) WithThreshold(threshold float32) pipeline.ObjectDetector {
	return &thresholdDetector{d: d, threshold: threshold}
}

type thresholdDetector struct {
	d         *Detector
	threshold float32
}

func (t *thresholdDetector) Detect(ctx context.Context, frame *pipeline.Frame, hints []pipeline.Region) []pipeline.Detection {
	return t.d.DetectWithThreshold(ctx, frame, hints, t.threshold)
}

// DetectWithThreshold runs one inference. Every failure (no backend,
// timeout, backend error, panic) is logged as an InferenceFault and yields
// no detections.
func (d *Detector) DetectWithThreshold(ctx context.Context, frame *pipeline.Frame, hints []pipeline.Region, threshold float32) []pipeline.Detection {
	if frame == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	raw, backend, err := d.infer(ctx, frame, hints, threshold)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		fault := &pipeline.InferenceFault{CameraID: frame.CameraID, Backend: backend, Err: err}
		slog.Warn("detection: inference fault", "camera", frame.CameraID, "seq", frame.Seq, "err", fault)
		return nil
	}

	dets := Postprocess(raw, threshold, d.cfg, d.allowed, frame.Width(), frame.Height())
	for i := range dets {
		dets[i].CameraID = frame.CameraID
		dets[i].Kind = frame.Kind
		dets[i].Timestamp = frame.Timestamp
		dets[i].Sources = []string{frame.CameraID}
	}
	return dets
}

func (d *Detector) infer(ctx context.Context, frame *pipeline.Frame, hints []pipeline.Region, threshold float32) (dets []pipeline.Detection, name string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("detection: backend panic", "backend", name, "panic", r, "stack", string(debug.Stack()))
			dets, err = nil, fmt.Errorf("backend panic: %v", r)
		}
	}()

	backend, ok := d.registry.Select(ctx)
	if !ok {
		return nil, "", errNoBackend
	}
	name = backend.Name()

	dets, err = backend.Infer(ctx, Request{
		Frame:         frame,
		Hints:         hints,
		MinConfidence: threshold,
		Classes:       d.cfg.Classes,
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return dets, name, err
}

// Postprocess applies the confidence floor, the class allow-list, per-class
// non-maximum suppression and the person aspect-ratio filter. Boxes are
// clipped to the frame when its size is known.
func Postprocess(raw []pipeline.Detection, threshold float32, cfg Config, allowed map[string]bool, width, height int) []pipeline.Detection {
	kept := make([]pipeline.Detection, 0, len(raw))
	for _, det := range raw {
		if det.Confidence < threshold {
			continue
		}
		if len(allowed) > 0 && !allowed[det.Class] {
			continue
		}
		if width > 0 && height > 0 {
			det.Box = clipBox(det.Box, width, height)
		}
		if !det.Box.Valid() {
			continue
		}
		kept = append(kept, det)
	}

	kept = NMS(kept, cfg.IoUThreshold)

	out := kept[:0]
	for _, det := range kept {
		if det.Class == "person" && !aspectOK(det.Box, cfg.MinAspect, cfg.MaxAspect) {
			continue
		}
		out = append(out, det)
	}
	return out
}

// NMS performs per-class greedy non-maximum suppression. The result is
// ordered by descending confidence.
func NMS(dets []pipeline.Detection, iouThreshold float32) []pipeline.Detection {
	sorted := append([]pipeline.Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	out := make([]pipeline.Detection, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		out = append(out, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].Class != sorted[i].Class {
				continue
			}
			if sorted[i].Box.IoU(sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return out
}

// aspectOK checks height/width against the configured range
func aspectOK(b pipeline.BBox, minAspect, maxAspect float32) bool {
	w := b.Width()
	if w <= 0 {
		return false
	}
	ratio := b.Height() / w
	if minAspect > 0 && ratio < minAspect {
		return false
	}
	if maxAspect > 0 && ratio > maxAspect {
		return false
	}
	return true
}

func clipBox(b pipeline.BBox, width, height int) pipeline.BBox {
	w, h := float32(width), float32(height)
	return pipeline.BBox{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}
