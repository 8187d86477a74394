package config

import (
	"errors"
	"fmt"

	"sentinel/internal/pipeline"
	"sentinel/internal/zone"
)

// knownBackends are the detector backend names accepted in detection.backends
var knownBackends = map[string]bool{"http": true, "grpc": true, "onnx": true}

// Validate checks the whole configuration and returns every problem found,
// joined. Each problem is a *pipeline.ConfigurationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, pipeline.ConfigErrorf(field, format, args...))
	}

	if len(c.Cameras) == 0 {
		add("cameras", "at least one camera is required")
	}

	errs = append(errs, validateDefaults("defaults", c.Defaults)...)

	ids := make(map[string]bool, len(c.Cameras))
	for i, cam := range c.Cameras {
		field := fmt.Sprintf("cameras[%d]", i)
		if cam.ID == "" {
			add(field+".id", "camera id is required")
		} else {
			field = "cameras[" + cam.ID + "]"
			if ids[cam.ID] {
				add(field, "duplicate camera id")
			}
			ids[cam.ID] = true
		}
		if cam.URL == "" {
			add(field+".url", "stream url is required")
		}
		if !cam.Kind.Valid() {
			add(field+".kind", "unknown source kind %q", cam.Kind)
		}
		if cam.FPS > 60 {
			add(field+".fps", "fps %d is above 60", cam.FPS)
		}
		if cam.Width < 0 || cam.Height < 0 {
			add(field, "negative frame size %dx%d", cam.Width, cam.Height)
		}

		merged := cam.MergeWithGlobal(c.Defaults)
		if merged.Sensitivity < 1 || merged.Sensitivity > 10 {
			add(field+".overrides.sensitivity", "sensitivity %d outside 1..10", merged.Sensitivity)
		}
		if merged.MinArea < 0 {
			add(field+".overrides.min_area", "min_area must not be negative")
		}
		if merged.Cooldown < 0 || merged.Before < 0 || merged.After < 0 {
			add(field+".overrides", "durations must not be negative")
		}
		if !unitInterval(merged.Confidence) || !unitInterval(merged.TriggerConfidence) || !unitInterval(merged.AcceptConfidence) {
			add(field+".overrides", "confidence values must be within 0..1")
		}

		if err := zone.Validate(cam.ZoneList()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	// Pairs: the partner must exist, share no third camera and be a different kind.
	partners := make(map[string]string)
	for _, cam := range c.Cameras {
		if cam.Pair == "" {
			continue
		}
		field := "cameras[" + cam.ID + "].pair"
		other, ok := c.Camera(cam.Pair)
		switch {
		case cam.Pair == cam.ID:
			add(field, "camera cannot pair with itself")
		case !ok:
			add(field, "unknown camera %q", cam.Pair)
		case other.Pair != "":
			add(field, "camera %q is itself a pair primary", cam.Pair)
		case other.Kind == cam.Kind:
			add(field, "paired cameras must be of different kinds, both are %s", cam.Kind)
		}
		if prev, dup := partners[cam.Pair]; dup {
			add(field, "camera %q is already paired with %q", cam.Pair, prev)
		}
		partners[cam.Pair] = cam.ID
	}

	s := c.Stream
	if s.RetryDelay <= 0 {
		add("stream.retry_delay", "must be positive")
	}
	if s.MaxRetryDelay < s.RetryDelay {
		add("stream.max_retry_delay", "must not be below retry_delay")
	}
	if s.MaxRetries < 0 {
		add("stream.max_retries", "must not be negative")
	}
	if s.FailureThreshold < 1 {
		add("stream.failure_threshold", "must be at least 1")
	}
	if s.FailureWindow <= 0 {
		add("stream.failure_window", "must be positive")
	}

	d := c.Detection
	if len(d.Backends) == 0 {
		add("detection.backends", "at least one backend is required")
	}
	for _, b := range d.Backends {
		if !knownBackends[b] {
			add("detection.backends", "unknown backend %q", b)
			continue
		}
		switch {
		case b == "http" && d.Endpoint == "":
			add("detection.endpoint", "required by the http backend")
		case b == "grpc" && d.GRPCEndpoint == "":
			add("detection.grpc_endpoint", "required by the grpc backend")
		case b == "onnx" && d.ModelPath == "":
			add("detection.model_path", "required by the onnx backend")
		}
	}
	if d.Workers < 1 {
		add("detection.workers", "must be at least 1")
	}
	if d.Timeout <= 0 {
		add("detection.timeout", "must be positive")
	}
	if !unitInterval(d.IoUThreshold) {
		add("detection.iou_threshold", "must be within 0..1")
	}
	if len(d.Classes) == 0 {
		add("detection.classes", "allow-list must not be empty")
	}
	if d.MinAspect < 0 || (d.MaxAspect > 0 && d.MaxAspect < d.MinAspect) {
		add("detection.min_aspect", "invalid aspect range %.2f..%.2f", d.MinAspect, d.MaxAspect)
	}

	if c.Correlation.Tolerance < 0 {
		add("correlation.tolerance", "must not be negative")
	}
	if !unitInterval(c.Correlation.DisagreementGap) {
		add("correlation.disagreement_gap", "must be within 0..1")
	}
	if !unitInterval(c.Correlation.SingleSourceFactor) {
		add("correlation.single_source_factor", "must be within 0..1")
	}

	if c.Confirmation.Enabled {
		if c.Confirmation.Endpoint == "" {
			add("confirmation.endpoint", "required when confirmation is enabled")
		}
		if c.Confirmation.Timeout <= 0 {
			add("confirmation.timeout", "must be positive")
		}
		if c.Confirmation.MaxRetries < 0 {
			add("confirmation.max_retries", "must not be negative")
		}
	}

	if c.MQTT.Enabled && (c.MQTT.Host == "" || c.MQTT.Port <= 0) {
		add("mqtt", "host and port are required when mqtt is enabled")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		add("telegram", "bot token and chat id are required when telegram is enabled")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		add("database.path", "required when the database is enabled")
	}

	switch c.Storage.Backend {
	case "none", "":
	case "disk":
		if c.Storage.Directory == "" {
			add("storage.directory", "required by the disk backend")
		}
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			add("storage.minio", "endpoint and bucket are required")
		}
	default:
		add("storage.backend", "unknown backend %q", c.Storage.Backend)
	}

	if c.Feed.Enabled && c.Feed.RequireAuth && len(c.Feed.JWTSecret) < 16 {
		add("feed.jwt_secret", "at least 16 characters are required when auth is on")
	}

	return errors.Join(errs...)
}

func validateDefaults(field string, d Defaults) []error {
	var errs []error
	if d.Sensitivity < 1 || d.Sensitivity > 10 {
		errs = append(errs, pipeline.ConfigErrorf(field+".sensitivity", "sensitivity %d outside 1..10", d.Sensitivity))
	}
	if d.MinArea < 0 {
		errs = append(errs, pipeline.ConfigErrorf(field+".min_area", "must not be negative"))
	}
	if d.BeforeSeconds < 0 || d.AfterSeconds < 0 || d.CooldownSeconds < 0 || d.AfterGraceSeconds < 0 {
		errs = append(errs, pipeline.ConfigErrorf(field, "durations must not be negative"))
	}
	for name, v := range map[string]float32{
		"trigger_confidence": d.TriggerConfidence,
		"accept_confidence":  d.AcceptConfidence,
		"color_confidence":   d.ColorConfidence,
		"thermal_confidence": d.ThermalConfidence,
	} {
		if !unitInterval(v) {
			errs = append(errs, pipeline.ConfigErrorf(field+"."+name, "must be within 0..1"))
		}
	}
	return errs
}

func unitInterval(v float32) bool {
	return v >= 0 && v <= 1
}
