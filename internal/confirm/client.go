package confirm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sentinel/internal/pipeline"
)

// Request is the evidence bundle sent for analysis
type Request struct {
	EventID  string
	CameraID string
	Before   [][]byte // JPEG
	Peak     []byte
	After    [][]byte
	Prompt   string
	Language string
}

// Response is the structured answer of the analysis service
type Response struct {
	PersonPresent     *bool   `json:"person_present"`
	Confidence        float32 `json:"confidence"`
	Description       string  `json:"description"`
	ThreatLevel       string  `json:"threat_level"`
	RecommendedAction string  `json:"recommended_action"`
	Verdict           string  `json:"verdict"`
}

// Client talks to a vision-language analysis service. Errors should be
// *pipeline.ConfirmationFault so the gate can tell transient faults apart.
type Client interface {
	Analyze(ctx context.Context, req Request) (Response, error)
}

// HTTPClient posts evidence as JSON to {endpoint}/analyze
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type analyzeImages struct {
	Before []string `json:"before"`
	Peak   string   `json:"peak"`
	After  []string `json:"after"`
}

type analyzeRequest struct {
	Images   analyzeImages `json:"images"`
	Prompt   string        `json:"prompt"`
	Language string        `json:"language"`
	CameraID string        `json:"camera_id"`
	EventID  string        `json:"event_id"`
}

// NewHTTPClient creates a client. apiKey is sent as a bearer token when set.
// Per-request deadlines come from the context.
func NewHTTPClient(endpoint, apiKey string) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func encodeAll(frames [][]byte) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = base64.StdEncoding.EncodeToString(f)
	}
	return out
}

// Analyze performs one request
func (c *HTTPClient) Analyze(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(analyzeRequest{
		Images: analyzeImages{
			Before: encodeAll(req.Before),
			Peak:   base64.StdEncoding.EncodeToString(req.Peak),
			After:  encodeAll(req.After),
		},
		Prompt:   req.Prompt,
		Language: req.Language,
		CameraID: req.CameraID,
		EventID:  req.EventID,
	})
	if err != nil {
		return Response{}, &pipeline.ConfirmationFault{Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/analyze", bytes.NewReader(body))
	if err != nil {
		return Response{}, &pipeline.ConfirmationFault{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{}, &pipeline.ConfirmationFault{Transient: true, Err: fmt.Errorf("analyze request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return Response{}, &pipeline.ConfirmationFault{
			Transient: transient,
			Err:       fmt.Errorf("analyze failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, &pipeline.ConfirmationFault{Err: fmt.Errorf("failed to decode analyze response: %w", err)}
	}
	return out, nil
}
