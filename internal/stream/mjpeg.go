// Package stream serves live MJPEG previews and JPEG snapshots of the
// cameras, with the latest detections drawn on the frames.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"sentinel/internal/middleware"
	"sentinel/internal/overlay"
	"sentinel/internal/pipeline"
)

const (
	clientBuffer = 5
	// Detections are drawn on frames for this long after inference
	overlayTTL = 2 * time.Second
)

// ErrNoFrame is returned for a camera that has not produced a frame yet
var ErrNoFrame = errors.New("no frame available")

type cameraStream struct {
	mu         sync.Mutex
	clients    map[chan []byte]struct{}
	latest     *pipeline.Frame
	detections []pipeline.Detection
	detectedAt time.Time
}

// Manager keeps the latest frame of every camera and fans frames out to
// preview clients. Slow clients miss frames.
type Manager struct {
	cameras map[string]*cameraStream // Fixed at construction
	now     func() time.Time

	mu    sync.Mutex
	drops map[string]uint64
}

// NewManager creates a manager for the given cameras
func NewManager(cameraIDs ...string) *Manager {
	m := &Manager{
		cameras: make(map[string]*cameraStream, len(cameraIDs)),
		now:     time.Now,
		drops:   make(map[string]uint64),
	}
	for _, id := range cameraIDs {
		m.cameras[id] = &cameraStream{clients: make(map[chan []byte]struct{})}
	}
	return m
}

// OnFrame records the latest frame and sends it to connected clients.
// Frames are only encoded while someone is watching.
func (m *Manager) OnFrame(frame *pipeline.Frame) {
	cs := m.cameras[frame.CameraID]
	if cs == nil {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.latest = frame
	if len(cs.clients) == 0 {
		return
	}

	data, err := m.render(cs, frame)
	if err != nil {
		slog.Debug("stream: failed to render frame", "camera", frame.CameraID, "seq", frame.Seq, "err", err)
		return
	}
	for ch := range cs.clients {
		select {
		case ch <- data:
		default:
			m.mu.Lock()
			m.drops[frame.CameraID]++
			m.mu.Unlock()
		}
	}
}

// OnDetections sets the boxes drawn on the following frames
func (m *Manager) OnDetections(cameraID string, dets []pipeline.Detection) {
	cs := m.cameras[cameraID]
	if cs == nil {
		return
	}
	cs.mu.Lock()
	cs.detections = append([]pipeline.Detection(nil), dets...)
	cs.detectedAt = m.now()
	cs.mu.Unlock()
}

// render encodes frame, annotated when detections are fresh. cs.mu is held.
func (m *Manager) render(cs *cameraStream, frame *pipeline.Frame) ([]byte, error) {
	if len(cs.detections) > 0 && m.now().Sub(cs.detectedAt) < overlayTTL {
		return overlay.Annotate(frame, cs.detections, frame.CameraID)
	}
	return frame.EncodeJPEG()
}

// Snapshot returns the latest frame of a camera as JPEG
func (m *Manager) Snapshot(cameraID string) ([]byte, error) {
	cs := m.cameras[cameraID]
	if cs == nil {
		return nil, fmt.Errorf("unknown camera %s", cameraID)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.latest == nil {
		return nil, ErrNoFrame
	}
	return m.render(cs, cs.latest)
}

// ClientCount returns the number of preview clients of a camera
func (m *Manager) ClientCount(cameraID string) int {
	cs := m.cameras[cameraID]
	if cs == nil {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.clients)
}

// Dropped returns the number of frames skipped for slow clients of a camera
func (m *Manager) Dropped(cameraID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops[cameraID]
}

func (m *Manager) subscribe(cameraID string) (chan []byte, func()) {
	cs := m.cameras[cameraID]
	ch := make(chan []byte, clientBuffer)
	cs.mu.Lock()
	cs.clients[ch] = struct{}{}
	cs.mu.Unlock()
	return ch, func() {
		cs.mu.Lock()
		delete(cs.clients, ch)
		cs.mu.Unlock()
	}
}

// cameraFromPath returns the last path element and checks it against the
// token scope
func (m *Manager) cameraFromPath(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	cameraID := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if _, ok := m.cameras[cameraID]; !ok {
		http.Error(w, fmt.Sprintf("camera %q not found", cameraID), http.StatusNotFound)
		return "", false
	}
	if claims := middleware.ClaimsFromContext(r.Context()); claims != nil && !claims.Allows(cameraID) {
		http.Error(w, `{"error": "camera not allowed"}`, http.StatusForbidden)
		return "", false
	}
	return cameraID, true
}

// StreamHandler serves multipart MJPEG at prefix/{camera}
func (m *Manager) StreamHandler(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cameraID, ok := m.cameraFromPath(w, r, prefix)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, unsubscribe := m.subscribe(cameraID)
		defer unsubscribe()

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		slog.Info("stream: client connected", "camera", cameraID, "remote", r.RemoteAddr)
		defer slog.Info("stream: client disconnected", "camera", cameraID, "remote", r.RemoteAddr)

		for {
			select {
			case <-r.Context().Done():
				return
			case frame := <-ch:
				fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
				if _, err := w.Write(frame); err != nil {
					return
				}
				fmt.Fprint(w, "\r\n")
				flusher.Flush()
			}
		}
	})
}

// SnapshotHandler serves the latest frame at prefix/{camera}
func (m *Manager) SnapshotHandler(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cameraID, ok := m.cameraFromPath(w, r, prefix)
		if !ok {
			return
		}
		frame, err := m.Snapshot(cameraID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
		w.Write(frame)
	})
}
