package assembler

import (
	"fmt"
	"time"

	"sentinel/internal/config"
)

// Options configure the actor of one camera or camera pair
type Options struct {
	CameraID string   // Primary camera, owner of the events
	Members  []string // Cameras feeding this actor, the primary included

	Before     time.Duration // Context kept before a trigger
	After      time.Duration // Delay of the after frame
	AfterGrace time.Duration // Wall-clock slack before giving up on the after frame
	Cooldown   time.Duration

	TriggerConfidence float32 // Detections below are ignored
	AcceptConfidence  float32 // Local heuristic floor without a usable verdict

	// LatencySlack is kept in the ring buffer on top of Before. Triggers
	// come back from inference after newer frames were observed, and the
	// before window of the triggering frame must still be buffered by then.
	// Zero uses a default.
	LatencySlack time.Duration

	// ConfirmTimeout bounds the wait for a confirmation result. The gate has
	// its own deadline; this is the assembler's guard against a confirmer
	// that ignores it. Zero uses a default.
	ConfirmTimeout time.Duration
}

const (
	defaultAfterGrace     = 2 * time.Second
	defaultConfirmTimeout = 60 * time.Second
	defaultLatencySlack   = 5 * time.Second
)

// OptionsFrom builds actor options from a camera's effective config.
// secondary is the paired camera id or empty. inferenceTimeout bounds the
// delay between a frame and its trigger.
func OptionsFrom(eff config.Effective, secondary string, inferenceTimeout, confirmTimeout time.Duration) Options {
	members := []string{eff.CameraID}
	if secondary != "" {
		members = append(members, secondary)
	}
	return Options{
		CameraID:          eff.CameraID,
		Members:           members,
		Before:            eff.Before,
		After:             eff.After,
		AfterGrace:        eff.AfterGrace,
		Cooldown:          eff.Cooldown,
		TriggerConfidence: eff.TriggerConfidence,
		AcceptConfidence:  eff.AcceptConfidence,
		LatencySlack:      inferenceTimeout + time.Second,
		ConfirmTimeout:    confirmTimeout,
	}
}

func (o *Options) normalize() error {
	if o.CameraID == "" {
		return fmt.Errorf("camera id is required")
	}
	if o.Before < 0 || o.After < 0 || o.Cooldown < 0 {
		return fmt.Errorf("camera %s: negative durations", o.CameraID)
	}
	if o.AfterGrace <= 0 {
		o.AfterGrace = defaultAfterGrace
	}
	if o.LatencySlack <= 0 {
		o.LatencySlack = defaultLatencySlack
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = defaultConfirmTimeout
	}
	found := false
	for _, m := range o.Members {
		if m == o.CameraID {
			found = true
		}
	}
	if !found {
		o.Members = append([]string{o.CameraID}, o.Members...)
	}
	return nil
}
