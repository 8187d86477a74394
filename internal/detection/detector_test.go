package detection

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinel/internal/pipeline"
)

type fakeBackend struct {
	name    string
	healthy bool
	dets    []pipeline.Detection
	err     error
	panics  bool
	delay   time.Duration
	calls   atomic.Int32
	lastReq Request
	mu      sync.Mutex
}

func (f *fakeBackend) Name() string                       { return f.name }
func (f *fakeBackend) IsHealthy(ctx context.Context) bool { return f.healthy }
func (f *fakeBackend) Close() error                       { return nil }

func (f *fakeBackend) Infer(ctx context.Context, req Request) ([]pipeline.Detection, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.panics {
		panic("model exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.dets, f.err
}

func testFrame(kind pipeline.SourceKind) *pipeline.Frame {
	return &pipeline.Frame{
		CameraID:  "front",
		Kind:      kind,
		Seq:       7,
		Timestamp: time.Unix(100, 0),
		Image:     image.NewGray(image.Rect(0, 0, 1000, 1000)),
	}
}

func person(conf float32, x1, y1, x2, y2 float32) pipeline.Detection {
	return pipeline.Detection{Class: "person", Confidence: conf, Box: pipeline.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}}
}

func testConfig() Config {
	return Config{
		Timeout:      time.Second,
		IoUThreshold: 0.45,
		Classes:      []string{"person"},
		MinAspect:    0.8,
		MaxAspect:    4.5,
		Thresholds: map[pipeline.SourceKind]float32{
			pipeline.SourceColor:   0.5,
			pipeline.SourceThermal: 0.3,
		},
	}
}

func newTestDetector(backends ...Backend) *Detector {
	r := NewRegistry()
	for _, b := range backends {
		r.Register(b)
	}
	return NewDetector(r, testConfig())
}

func TestThresholdPerSourceKind(t *testing.T) {
	fb := &fakeBackend{name: "fake", healthy: true, dets: []pipeline.Detection{
		person(0.4, 100, 100, 200, 350),
	}}
	d := newTestDetector(fb)

	if got := d.Detect(context.Background(), testFrame(pipeline.SourceColor), nil); len(got) != 0 {
		t.Errorf("color frame kept a 0.4 detection")
	}
	got := d.Detect(context.Background(), testFrame(pipeline.SourceThermal), nil)
	if len(got) != 1 {
		t.Fatalf("thermal frame dropped a 0.4 detection")
	}
	if got[0].CameraID != "front" || got[0].Kind != pipeline.SourceThermal || !got[0].Timestamp.Equal(time.Unix(100, 0)) {
		t.Errorf("detection not stamped with frame metadata: %+v", got[0])
	}
	if fb.lastReq.MinConfidence != 0.3 {
		t.Errorf("backend saw threshold %v, want 0.3", fb.lastReq.MinConfidence)
	}
}

func TestWithThresholdOverride(t *testing.T) {
	fb := &fakeBackend{name: "fake", healthy: true, dets: []pipeline.Detection{person(0.6, 100, 100, 200, 350)}}
	d := newTestDetector(fb)
	if got := d.WithThreshold(0.7).Detect(context.Background(), testFrame(pipeline.SourceColor), nil); len(got) != 0 {
		t.Errorf("override threshold 0.7 kept a 0.6 detection")
	}
}

func TestPostprocess(t *testing.T) {
	cfg := testConfig()
	allowed := map[string]bool{"person": true}

	tests := []struct {
		name string
		in   []pipeline.Detection
		want int
	}{
		{"class allow-list", []pipeline.Detection{
			{Class: "car", Confidence: 0.9, Box: pipeline.BBox{X1: 0, Y1: 0, X2: 100, Y2: 100}},
		}, 0},
		{"nms merges overlapping", []pipeline.Detection{
			person(0.9, 100, 100, 200, 350),
			person(0.8, 105, 102, 205, 352),
		}, 1},
		{"nms keeps distant", []pipeline.Detection{
			person(0.9, 100, 100, 200, 350),
			person(0.8, 500, 100, 600, 350),
		}, 2},
		{"too wide for a person", []pipeline.Detection{person(0.9, 100, 100, 400, 200)}, 0},
		{"too thin for a person", []pipeline.Detection{person(0.9, 100, 0, 120, 200)}, 0},
		{"invalid box", []pipeline.Detection{person(0.9, 200, 100, 100, 350)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Postprocess(tt.in, 0.5, cfg, allowed, 1000, 1000)
			if len(got) != tt.want {
				t.Errorf("got %d detections, want %d: %+v", len(got), tt.want, got)
			}
		})
	}
}

func TestNMSIsPerClass(t *testing.T) {
	dets := []pipeline.Detection{
		person(0.9, 100, 100, 200, 300),
		{Class: "dog", Confidence: 0.8, Box: pipeline.BBox{X1: 100, Y1: 100, X2: 200, Y2: 300}},
	}
	if got := NMS(dets, 0.45); len(got) != 2 {
		t.Errorf("NMS suppressed across classes: %+v", got)
	}
	got := NMS([]pipeline.Detection{person(0.6, 0, 0, 10, 10), person(0.9, 1, 1, 10, 10)}, 0.45)
	if len(got) != 1 || got[0].Confidence != 0.9 {
		t.Errorf("NMS should keep the highest confidence box, got %+v", got)
	}
}

func TestFaultsDegradeToEmpty(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{"error", &fakeBackend{name: "err", healthy: true, err: errors.New("boom")}},
		{"panic", &fakeBackend{name: "panic", healthy: true, panics: true}},
		{"timeout", &fakeBackend{name: "slow", healthy: true, delay: time.Second, dets: []pipeline.Detection{person(0.9, 100, 100, 200, 350)}}},
		{"unhealthy", &fakeBackend{name: "down", healthy: false, dets: []pipeline.Detection{person(0.9, 100, 100, 200, 350)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			r.Register(tt.backend)
			cfg := testConfig()
			cfg.Timeout = 20 * time.Millisecond
			d := NewDetector(r, cfg)

			got := d.Detect(context.Background(), testFrame(pipeline.SourceColor), nil)
			if len(got) != 0 {
				t.Errorf("fault produced detections: %+v", got)
			}
		})
	}
}

func TestRegistrySelectOrder(t *testing.T) {
	down := &fakeBackend{name: "grpc", healthy: false}
	up := &fakeBackend{name: "http", healthy: true}
	also := &fakeBackend{name: "onnx", healthy: true}

	r := NewRegistry()
	for _, b := range []Backend{down, up, also} {
		if err := r.Register(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Register(&fakeBackend{name: "http"}); err == nil {
		t.Error("duplicate registration should fail")
	}

	b, ok := r.Select(context.Background())
	if !ok || b.Name() != "http" {
		t.Errorf("Select() = %v, want http", b)
	}
	if names := r.Names(); len(names) != 3 || names[0] != "grpc" {
		t.Errorf("Names() = %v", names)
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	p := NewPool(2)
	release := make(chan struct{})
	var ran atomic.Int32

	for i := 0; i < 2; i++ {
		if !p.TrySubmit(context.Background(), func(context.Context) {
			<-release
			ran.Add(1)
		}) {
			t.Fatalf("submission %d rejected with free slots", i)
		}
	}
	if p.TrySubmit(context.Background(), func(context.Context) { ran.Add(1) }) {
		t.Fatal("third submission accepted by a full pool")
	}

	close(release)
	p.Wait()

	if ran.Load() != 2 {
		t.Errorf("ran = %d, want 2", ran.Load())
	}
	stats := p.Stats()
	if stats.Submitted != 2 || stats.Dropped != 1 || stats.Workers != 2 {
		t.Errorf("Stats() = %+v", stats)
	}

	// Slots are free again
	if !p.TrySubmit(context.Background(), func(context.Context) {}) {
		t.Error("pool did not release slots")
	}
	p.Wait()
}
