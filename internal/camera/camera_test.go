package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/internal/pipeline"
)

func testJPEG(t *testing.T, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = level
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// scriptedReader returns its items in order, then io.EOF (or blocks until
// the context ends when hold is set)
type scriptedReader struct {
	items []readItem
	hold  bool
}

type readItem struct {
	data []byte
	err  error
}

func (r *scriptedReader) ReadFrame(ctx context.Context) ([]byte, error) {
	if len(r.items) == 0 {
		if r.hold {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, io.EOF
	}
	it := r.items[0]
	r.items = r.items[1:]
	return it.data, it.err
}

func (r *scriptedReader) Close() error { return nil }

// fakeTransport hands out one reader per Connect call
type fakeTransport struct {
	mu       sync.Mutex
	connects int
	next     func(n int) (FrameReader, error)
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context) (FrameReader, error) {
	f.mu.Lock()
	f.connects++
	n := f.connects
	f.mu.Unlock()
	return f.next(n)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type livenessRecorder struct {
	mu     sync.Mutex
	events []pipeline.LivenessEvent
}

func (l *livenessRecorder) record(ev pipeline.LivenessEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *livenessRecorder) states() []pipeline.Liveness {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]pipeline.Liveness, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.State
	}
	return out
}

func fastConfig(rec *livenessRecorder) Config {
	return Config{
		CameraID: "front",
		Reconnect: ReconnectConfig{
			MaxRetries:    3,
			RetryDelay:    time.Millisecond,
			MaxRetryDelay: 4 * time.Millisecond,
		},
		FailureThreshold:    3,
		FailureWindow:       time.Second,
		FailedProbeInterval: 5 * time.Millisecond,
		Buffer:              64,
		OnLiveness:          rec.record,
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := ReconnectConfig{RetryDelay: time.Second, MaxRetryDelay: 60 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestFailureWindow(t *testing.T) {
	w := newFailureWindow(10 * time.Second)
	base := time.Unix(1000, 0)
	w.add(base)
	w.add(base.Add(time.Second))
	if n := w.add(base.Add(2 * time.Second)); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	// The first two fall out of the window
	if n := w.add(base.Add(11500 * time.Millisecond)); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestExtractJPEGFrame(t *testing.T) {
	a := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 4, 5, 0xFF, 0xD9}

	buf := append([]byte{9, 9}, a...)
	buf = append(buf, b[:3]...)

	got := extractJPEGFrame(&buf)
	if !bytes.Equal(got, a) {
		t.Fatalf("first frame = %x, want %x", got, a)
	}
	if extractJPEGFrame(&buf) != nil {
		t.Fatal("partial frame should not be returned")
	}
	buf = append(buf, b[3:]...)
	if got := extractJPEGFrame(&buf); !bytes.Equal(got, b) {
		t.Fatalf("second frame = %x, want %x", got, b)
	}
	if len(buf) != 0 {
		t.Errorf("buffer not drained: %x", buf)
	}
}

func TestStreamReaderSplitsFrames(t *testing.T) {
	one, two := testJPEG(t, 10), testJPEG(t, 200)
	stream := append(append([]byte("garbage"), one...), two...)
	r := &streamReader{r: bytes.NewReader(stream), buffer: nil, chunk: make([]byte, 100)}

	ctx := context.Background()
	for i, want := range [][]byte{one, two} {
		got, err := r.ReadFrame(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d differs", i)
		}
	}
	if _, err := r.ReadFrame(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestSourceReconnectKeepsOrdering(t *testing.T) {
	rec := &livenessRecorder{}
	frame := testJPEG(t, 80)
	tr := &fakeTransport{next: func(n int) (FrameReader, error) {
		r := &scriptedReader{}
		for i := 0; i < 5; i++ {
			r.items = append(r.items, readItem{data: frame})
		}
		r.hold = n >= 2
		return r, nil
	}}

	src := NewSource(fastConfig(rec), tr)
	// A clock that jumps backwards on the second connection
	var mu sync.Mutex
	clock := time.Unix(5000, 0)
	calls := 0
	src.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 8 {
			clock = clock.Add(-time.Hour)
		}
		clock = clock.Add(100 * time.Millisecond)
		return clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := src.Open(ctx)

	var got []*pipeline.Frame
	timeout := time.After(2 * time.Second)
	for len(got) < 10 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-timeout:
			t.Fatalf("received %d frames before timeout", len(got))
		}
	}

	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Errorf("seq not increasing at %d: %d after %d", i, got[i].Seq, got[i-1].Seq)
		}
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("timestamp went backwards at %d", i)
		}
		if got[i].Image == nil || got[i].CameraID != "front" {
			t.Errorf("frame %d not decoded or missing camera id", i)
		}
	}
	if tr.count() != 2 {
		t.Errorf("connects = %d, want 2", tr.count())
	}

	src.Close()
	if _, ok := <-frames; ok {
		// drain anything left, the channel must end closed
		for range frames {
		}
	}

	states := rec.states()
	want := []pipeline.Liveness{pipeline.LivenessConnected, pipeline.LivenessDegraded, pipeline.LivenessConnected}
	if len(states) != len(want) {
		t.Fatalf("liveness = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("liveness = %v, want %v", states, want)
		}
	}
}

func TestSourceFailsAndKeepsProbing(t *testing.T) {
	rec := &livenessRecorder{}
	tr := &fakeTransport{next: func(int) (FrameReader, error) {
		return nil, errors.New("connection refused")
	}}
	src := NewSource(fastConfig(rec), tr)

	ctx, cancel := context.WithCancel(context.Background())
	frames := src.Open(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		failed := 0
		for _, s := range rec.states() {
			if s == pipeline.LivenessFailed {
				failed++
			}
		}
		if failed >= 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	for range frames {
	}

	if src.Liveness() != pipeline.LivenessFailed {
		t.Errorf("Liveness() = %s, want failed", src.Liveness())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	failed := 0
	for _, ev := range rec.events {
		if ev.State == pipeline.LivenessFailed {
			failed++
			if !strings.Contains(ev.Error, "source failed") {
				t.Errorf("failed liveness error = %q", ev.Error)
			}
		}
	}
	if failed < 3 {
		t.Errorf("failed source reported %d times, want periodic re-reports", failed)
	}
	if tr.count() <= 4 {
		t.Errorf("connects = %d, source should keep probing after failing", tr.count())
	}
}

func TestSourceToleratesSparseReadFailures(t *testing.T) {
	rec := &livenessRecorder{}
	frame := testJPEG(t, 120)
	tr := &fakeTransport{next: func(n int) (FrameReader, error) {
		return &scriptedReader{hold: true, items: []readItem{
			{data: frame},
			{err: errors.New("timeout")},
			{data: frame},
			{data: []byte("not a jpeg")},
			{data: frame},
		}}, nil
	}}
	src := NewSource(fastConfig(rec), tr)
	ctx, cancel := context.WithCancel(context.Background())
	frames := src.Open(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-frames:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	cancel()
	for range frames {
	}

	stats := src.Stats()
	if tr.count() != 1 {
		t.Errorf("connects = %d, two failures below threshold must not reconnect", tr.count())
	}
	if stats.ReadFailures != 2 || stats.DecodeErrors != 1 {
		t.Errorf("stats = %+v, want 2 read failures and 1 decode error", stats)
	}
	if stats.FramesCaptured != 3 {
		t.Errorf("FramesCaptured = %d, want 3", stats.FramesCaptured)
	}
}

func TestSourceReconnectsAboveThreshold(t *testing.T) {
	rec := &livenessRecorder{}
	frame := testJPEG(t, 120)
	tr := &fakeTransport{next: func(n int) (FrameReader, error) {
		if n > 1 {
			return &scriptedReader{hold: true, items: []readItem{{data: frame}}}, nil
		}
		fail := readItem{err: errors.New("corrupt packet")}
		return &scriptedReader{items: []readItem{{data: frame}, fail, fail, fail}}, nil
	}}
	src := NewSource(fastConfig(rec), tr)
	ctx, cancel := context.WithCancel(context.Background())
	frames := src.Open(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-frames:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	cancel()
	for range frames {
	}
	if tr.count() != 2 {
		t.Errorf("connects = %d, want 2", tr.count())
	}
}

func TestSnapshotTransport(t *testing.T) {
	frame := testJPEG(t, 60)
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(frame)
	}))
	defer srv.Close()

	tr := NewSnapshotTransport(srv.URL+"/snapshot.jpg", 50)
	r, err := tr.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx := context.Background()
	if data, err := r.ReadFrame(ctx); err != nil || !bytes.Equal(data, frame) {
		t.Fatalf("first read: err=%v", err)
	}
	if _, err := r.ReadFrame(ctx); err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("second read error = %v, want status 503", err)
	}
	if _, err := r.ReadFrame(ctx); err != nil {
		t.Errorf("third read: %v", err)
	}
}

func TestNewTransportSelection(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://cam.local/snapshot.jpg", "snapshot"},
		{"https://cam.local/cgi-bin/image.jpeg", "snapshot"},
		{"rtsp://cam.local/stream1", "ffmpeg"},
		{"http://cam.local/video.mjpg", "ffmpeg"},
		{"/dev/video0", "ffmpeg"},
	}
	for _, tt := range tests {
		if got := NewTransport(tt.url, TransportOptions{}).Name(); got != tt.want {
			t.Errorf("NewTransport(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	rtsp := NewFFmpegTransport("rtsp://cam/1", TransportOptions{FPS: 5}).Args()
	if rtsp[0] != "-rtsp_transport" || rtsp[len(rtsp)-1] != "-" {
		t.Errorf("rtsp args = %v", rtsp)
	}
	v4l := strings.Join(NewFFmpegTransport("/dev/video0", TransportOptions{FPS: 10, Width: 640, Height: 480}).Args(), " ")
	if !strings.Contains(v4l, "-f v4l2 -video_size 640x480 -framerate 10") {
		t.Errorf("v4l2 args = %s", v4l)
	}
}

var _ pipeline.FrameSource = (*Source)(nil)
