package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"sentinel/internal/pipeline"
)

// HTTPBackend calls a YOLO inference service over HTTP
type HTTPBackend struct {
	endpoint string
	client   *http.Client

	mu          sync.RWMutex
	healthy     bool
	healthCheck time.Time
}

// yoloDetection is a single detection in the service response
type yoloDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// yoloResult is the /detect response
type yoloResult struct {
	Detections      []yoloDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// yoloHealth is the /health response
type yoloHealth struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPBackend creates an HTTP backend for endpoint
func NewHTTPBackend(endpoint string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (b *HTTPBackend) Name() string { return "http" }

// IsHealthy checks if the service is available. Results are cached for
// 30 seconds, failures included.
func (b *HTTPBackend) IsHealthy(ctx context.Context) bool {
	b.mu.RLock()
	if time.Since(b.healthCheck) < healthCacheTTL {
		healthy := b.healthy
		b.mu.RUnlock()
		return healthy
	}
	b.mu.RUnlock()

	healthy := b.probe(ctx)

	b.mu.Lock()
	b.healthy = healthy
	b.healthCheck = time.Now()
	b.mu.Unlock()
	return healthy
}

func (b *HTTPBackend) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health yoloHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.ModelLoaded
}

// markUnhealthy forces the next IsHealthy call within the cache window to
// report false
func (b *HTTPBackend) markUnhealthy() {
	b.mu.Lock()
	b.healthy = false
	b.healthCheck = time.Now()
	b.mu.Unlock()
}

// Infer posts the frame as multipart form data to {endpoint}/detect
func (b *HTTPBackend) Infer(ctx context.Context, req Request) ([]pipeline.Detection, error) {
	data, err := frameJPEG(req.Frame)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", req.MinConfidence))
	if len(req.Classes) > 0 {
		w.WriteField("classes_filter", strings.Join(req.Classes, ","))
	}
	if len(req.Hints) > 0 {
		hints, err := json.Marshal(req.Hints)
		if err == nil {
			w.WriteField("regions", string(hints))
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/detect", &body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.client.Do(httpReq)
	if err != nil {
		b.markUnhealthy()
		return nil, fmt.Errorf("detect request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			b.markUnhealthy()
		}
		return nil, fmt.Errorf("detection failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result yoloResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	out := make([]pipeline.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) != 4 {
			continue
		}
		out = append(out, pipeline.Detection{
			Class:      d.Class,
			Confidence: d.Confidence,
			Box:        pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]},
		})
	}
	return out, nil
}

func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// frameJPEG returns the encoded frame, encoding the raster if needed
func frameJPEG(f *pipeline.Frame) ([]byte, error) {
	return f.EncodeJPEG()
}
