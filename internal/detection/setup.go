package detection

import (
	"fmt"
	"log/slog"

	"sentinel/internal/config"
	"sentinel/internal/pipeline"
)

// NewRegistryFromConfig creates and registers the configured backends in
// preference order. A backend that cannot be constructed is skipped with a
// warning; having none at all is an error.
func NewRegistryFromConfig(cfg config.DetectionConfig) (*Registry, error) {
	registry := NewRegistry()
	for _, name := range cfg.Backends {
		var (
			backend Backend
			err     error
		)
		switch name {
		case "http":
			backend = NewHTTPBackend(cfg.Endpoint, cfg.Timeout)
		case "grpc":
			backend, err = NewGRPCBackend(cfg.GRPCEndpoint)
		case "onnx":
			backend, err = NewONNXBackend(cfg.ModelPath, cfg.RuntimePath)
		default:
			err = fmt.Errorf("unknown backend %q", name)
		}
		if err != nil {
			slog.Warn("detection: backend unavailable", "backend", name, "err", err)
			continue
		}
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
	}
	if len(registry.Names()) == 0 {
		return nil, fmt.Errorf("no detection backend could be created from %v", cfg.Backends)
	}
	return registry, nil
}

// ConfigFrom builds detector settings from the loaded configuration
func ConfigFrom(cfg config.DetectionConfig, defaults config.Defaults) Config {
	return Config{
		Timeout:      cfg.Timeout,
		IoUThreshold: cfg.IoUThreshold,
		Classes:      cfg.Classes,
		MinAspect:    cfg.MinAspect,
		MaxAspect:    cfg.MaxAspect,
		Thresholds: map[pipeline.SourceKind]float32{
			pipeline.SourceColor:   defaults.ColorConfidence,
			pipeline.SourceThermal: defaults.ThermalConfidence,
		},
	}
}
