package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"sentinel/internal/pipeline"
)

const (
	// grpcService is the detection service name, also used for health checks
	grpcService = "detection.v1.DetectionService"

	// grpcDetectMethod is the unary detection RPC
	grpcDetectMethod = "/" + grpcService + "/Detect"
)

// GRPCBackend calls a detection service over gRPC. Requests and responses
// are google.protobuf.Struct messages so no generated stubs are needed:
//
//	request:  {image: base64 jpeg, camera_id, conf_threshold, classes: [..], regions: [{x1,y1,x2,y2}]}
//	response: {detections: [{class, confidence, bbox: [x1,y1,x2,y2]}], inference_time_ms}
type GRPCBackend struct {
	endpoint string
	conn     *grpc.ClientConn
	health   grpc_health_v1.HealthClient

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCBackend creates a client for endpoint. The connection is lazy; the
// first health check or inference establishes it.
func NewGRPCBackend(endpoint string) (*GRPCBackend, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	slog.Info("detection: grpc backend configured", "endpoint", endpoint)
	return &GRPCBackend{
		endpoint: endpoint,
		conn:     conn,
		health:   grpc_health_v1.NewHealthClient(conn),
	}, nil
}

func (g *GRPCBackend) Name() string { return "grpc" }

// IsHealthy queries the standard gRPC health service, cached for 30 seconds
func (g *GRPCBackend) IsHealthy(ctx context.Context) bool {
	g.healthMu.RLock()
	if time.Since(g.lastHealth) < healthCacheTTL {
		healthy := g.healthy
		g.healthMu.RUnlock()
		return healthy
	}
	g.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := g.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: grpcService})
	healthy := err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
	if err != nil {
		slog.Debug("detection: grpc health check failed", "endpoint", g.endpoint, "err", err)
	}

	g.healthMu.Lock()
	g.healthy = healthy
	g.lastHealth = time.Now()
	g.healthMu.Unlock()
	return healthy
}

// Infer performs one unary Detect call
func (g *GRPCBackend) Infer(ctx context.Context, req Request) ([]pipeline.Detection, error) {
	data, err := frameJPEG(req.Frame)
	if err != nil {
		return nil, err
	}

	in, err := buildGRPCRequest(req, data)
	if err != nil {
		return nil, err
	}

	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, grpcDetectMethod, in, out); err != nil {
		g.healthMu.Lock()
		g.healthy = false
		g.lastHealth = time.Now()
		g.healthMu.Unlock()
		return nil, fmt.Errorf("grpc detect failed: %w", err)
	}

	return parseGRPCResponse(out)
}

func (g *GRPCBackend) Close() error {
	return g.conn.Close()
}

func buildGRPCRequest(req Request, data []byte) (*structpb.Struct, error) {
	classes := make([]interface{}, len(req.Classes))
	for i, c := range req.Classes {
		classes[i] = c
	}
	regions := make([]interface{}, len(req.Hints))
	for i, r := range req.Hints {
		regions[i] = map[string]interface{}{
			"x1": float64(r.Box.X1),
			"y1": float64(r.Box.Y1),
			"x2": float64(r.Box.X2),
			"y2": float64(r.Box.Y2),
		}
	}

	cameraID := ""
	if req.Frame != nil {
		cameraID = req.Frame.CameraID
	}

	in, err := structpb.NewStruct(map[string]interface{}{
		"image":          base64.StdEncoding.EncodeToString(data),
		"camera_id":      cameraID,
		"conf_threshold": float64(req.MinConfidence),
		"classes":        classes,
		"regions":        regions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build grpc request: %w", err)
	}
	return in, nil
}

func parseGRPCResponse(out *structpb.Struct) ([]pipeline.Detection, error) {
	list := out.GetFields()["detections"].GetListValue()
	if list == nil {
		return nil, nil
	}

	dets := make([]pipeline.Detection, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("malformed detection entry")
		}
		bbox := fields["bbox"].GetListValue().GetValues()
		if len(bbox) != 4 {
			continue
		}
		dets = append(dets, pipeline.Detection{
			Class:      fields["class"].GetStringValue(),
			Confidence: float32(fields["confidence"].GetNumberValue()),
			Box: pipeline.BBox{
				X1: float32(bbox[0].GetNumberValue()),
				Y1: float32(bbox[1].GetNumberValue()),
				X2: float32(bbox[2].GetNumberValue()),
				Y2: float32(bbox[3].GetNumberValue()),
			},
		})
	}
	return dets, nil
}
