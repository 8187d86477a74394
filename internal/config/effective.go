package config

import (
	"time"

	"sentinel/internal/pipeline"
)

// Effective is the merged configuration of one camera
// (camera overrides applied to global defaults)
type Effective struct {
	CameraID          string
	Kind              pipeline.SourceKind
	Sensitivity       int
	MinArea           int
	Cooldown          time.Duration
	Before            time.Duration
	After             time.Duration
	AfterGrace        time.Duration
	TriggerConfidence float32
	AcceptConfidence  float32
	Confidence        float32 // Detector threshold for this camera's source kind
}

// MergeWithGlobal merges camera-specific overrides with global defaults
func (cam Camera) MergeWithGlobal(global Defaults) Effective {
	effective := Effective{
		CameraID:          cam.ID,
		Kind:              cam.Kind,
		Sensitivity:       global.Sensitivity,
		MinArea:           global.MinArea,
		Cooldown:          seconds(global.CooldownSeconds),
		Before:            seconds(global.BeforeSeconds),
		After:             seconds(global.AfterSeconds),
		AfterGrace:        seconds(global.AfterGraceSeconds),
		TriggerConfidence: global.TriggerConfidence,
		AcceptConfidence:  global.AcceptConfidence,
		Confidence:        global.ColorConfidence,
	}
	if cam.Kind == pipeline.SourceThermal {
		effective.Confidence = global.ThermalConfidence
	}

	o := cam.Overrides
	if o.Sensitivity != nil {
		effective.Sensitivity = *o.Sensitivity
	}
	if o.MinArea != nil {
		effective.MinArea = *o.MinArea
	}
	if o.CooldownSeconds != nil {
		effective.Cooldown = seconds(*o.CooldownSeconds)
	}
	if o.BeforeSeconds != nil {
		effective.Before = seconds(*o.BeforeSeconds)
	}
	if o.AfterSeconds != nil {
		effective.After = seconds(*o.AfterSeconds)
	}
	if o.TriggerConfidence != nil {
		effective.TriggerConfidence = *o.TriggerConfidence
	}
	if o.AcceptConfidence != nil {
		effective.AcceptConfidence = *o.AcceptConfidence
	}
	if o.Confidence != nil {
		effective.Confidence = *o.Confidence
	}

	return effective
}

// Effective returns the merged configuration of every enabled camera
func (c *Config) Effective() map[string]Effective {
	out := make(map[string]Effective, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Disabled {
			continue
		}
		out[cam.ID] = cam.MergeWithGlobal(c.Defaults)
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
