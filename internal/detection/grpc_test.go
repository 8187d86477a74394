package detection

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"sentinel/internal/pipeline"
)

// detectServer answers Detect calls with a canned response and records the
// last request
type detectServer struct {
	last *structpb.Struct
	resp *structpb.Struct
}

func (s *detectServer) desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: grpcService,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Detect",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				s.last = in
				return s.resp, nil
			},
		}},
	}
}

func startDetectServer(t *testing.T, resp *structpb.Struct, status grpc_health_v1.HealthCheckResponse_ServingStatus) (*detectServer, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ds := &detectServer{resp: resp}
	srv := grpc.NewServer()
	srv.RegisterService(ds.desc(), ds)
	hs := health.NewServer()
	hs.SetServingStatus(grpcService, status)
	grpc_health_v1.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return ds, lis.Addr().String()
}

func cannedResponse(t *testing.T) *structpb.Struct {
	t.Helper()
	resp, err := structpb.NewStruct(map[string]interface{}{
		"detections": []interface{}{
			map[string]interface{}{"class": "person", "confidence": 0.8, "bbox": []interface{}{5.0, 6.0, 50.0, 160.0}},
			map[string]interface{}{"class": "person", "confidence": 0.7, "bbox": []interface{}{1.0}},
		},
		"inference_time_ms": 12.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestGRPCBackendRoundTrip(t *testing.T) {
	ds, addr := startDetectServer(t, cannedResponse(t), grpc_health_v1.HealthCheckResponse_SERVING)

	b, err := NewGRPCBackend(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !b.IsHealthy(ctx) {
		t.Fatal("backend reported unhealthy")
	}

	jpegData := []byte{0xFF, 0xD8, 0x10, 0xFF, 0xD9}
	dets, err := b.Infer(ctx, Request{
		Frame:         &pipeline.Frame{CameraID: "yard", JPEG: jpegData},
		Hints:         []pipeline.Region{{Box: pipeline.BBox{X1: 1, Y1: 1, X2: 9, Y2: 9}}},
		MinConfidence: 0.4,
		Classes:       []string{"person"},
	})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if len(dets) != 1 || dets[0].Box != (pipeline.BBox{X1: 5, Y1: 6, X2: 50, Y2: 160}) {
		t.Errorf("detections = %+v", dets)
	}

	fields := ds.last.GetFields()
	img, _ := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	if string(img) != string(jpegData) {
		t.Error("image payload mismatch")
	}
	if fields["camera_id"].GetStringValue() != "yard" {
		t.Errorf("camera_id = %q", fields["camera_id"].GetStringValue())
	}
	if got := fields["conf_threshold"].GetNumberValue(); got < 0.39 || got > 0.41 {
		t.Errorf("conf_threshold = %v", got)
	}
	if n := len(fields["regions"].GetListValue().GetValues()); n != 1 {
		t.Errorf("regions = %d, want 1", n)
	}
}

func TestGRPCBackendNotServing(t *testing.T) {
	_, addr := startDetectServer(t, cannedResponse(t), grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	b, err := NewGRPCBackend(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if b.IsHealthy(context.Background()) {
		t.Error("NOT_SERVING backend reported healthy")
	}
}

func TestParseGRPCResponse(t *testing.T) {
	dets, err := parseGRPCResponse(&structpb.Struct{})
	if err != nil || dets != nil {
		t.Errorf("empty response = %v, %v", dets, err)
	}

	bad, _ := structpb.NewStruct(map[string]interface{}{
		"detections": []interface{}{"not a struct"},
	})
	if _, err := parseGRPCResponse(bad); err == nil {
		t.Error("malformed entry should fail")
	}
}
