package engine

import (
	"context"
	"sort"
	"time"

	"sentinel/internal/assembler"
	"sentinel/internal/camera"
	"sentinel/internal/config"
	"sentinel/internal/correlate"
	"sentinel/internal/detection"
	"sentinel/internal/motion"
	"sentinel/internal/zone"
)

// confirmGuardSlack is added to the gate timeout to form the assembler's
// own confirmation deadline
const confirmGuardSlack = 5 * time.Second

// StartFromConfig registers an event assembler per camera or camera pair
// and starts a lane for every enabled camera. Secondary cameras of a pair
// feed the assembler of their primary.
func (m *Manager) StartFromConfig(ctx context.Context, cfg *config.Config, detector *detection.Detector) error {
	effective := cfg.Effective()
	secondaries := cfg.Secondaries()

	var confirmTimeout time.Duration
	if cfg.Confirmation.Enabled && cfg.Confirmation.Timeout > 0 {
		confirmTimeout = cfg.Confirmation.Timeout + confirmGuardSlack
	}

	ids := make([]string, 0, len(effective))
	for id := range effective {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pairs := make(map[string]*correlate.Pair)
	for _, id := range ids {
		// A secondary whose primary is disabled runs on its own
		if primary, isSecondary := secondaries[id]; isSecondary {
			if _, enabled := effective[primary]; enabled {
				continue
			}
		}
		cam, _ := cfg.Camera(id)
		partner := ""
		if cam.Pair != "" {
			if _, enabled := effective[cam.Pair]; enabled {
				partner = cam.Pair
			}
		}
		if err := m.asm.AddCamera(assembler.OptionsFrom(effective[id], partner, cfg.Detection.Timeout, confirmTimeout)); err != nil {
			return err
		}
		if partner != "" {
			pair := correlate.NewPair(id, partner, correlate.ConfigFrom(cfg.Correlation))
			pairs[id], pairs[partner] = pair, pair
		}
	}

	for _, id := range ids {
		cam, _ := cfg.Camera(id)
		lane := m.laneFromConfig(cfg, cam, effective[id], detector)
		lane.Pair = pairs[id]
		if err := m.Start(ctx, lane); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) laneFromConfig(cfg *config.Config, cam config.Camera, eff config.Effective, detector *detection.Detector) Lane {
	transport := camera.NewTransport(cam.URL, camera.TransportOptions{
		FPS:        cam.FPS,
		Width:      cam.Width,
		Height:     cam.Height,
		FFmpegPath: cfg.Stream.FFmpegPath,
	})
	source := camera.NewSource(camera.Config{
		CameraID: cam.ID,
		Kind:     eff.Kind,
		Reconnect: camera.ReconnectConfig{
			MaxRetries:    cfg.Stream.MaxRetries,
			RetryDelay:    cfg.Stream.RetryDelay,
			MaxRetryDelay: cfg.Stream.MaxRetryDelay,
		},
		FailureThreshold:    cfg.Stream.FailureThreshold,
		FailureWindow:       cfg.Stream.FailureWindow,
		FailedProbeInterval: cfg.Stream.FailedProbeInterval,
		OnLiveness:          m.OnLiveness,
	}, transport)

	return Lane{
		CameraID: cam.ID,
		Kind:     eff.Kind,
		Source:   source,
		Motion:   motion.NewFilter(motion.Config{Sensitivity: eff.Sensitivity, MinArea: eff.MinArea}),
		Zones:    zone.NewFilter(cam.ZoneList()),
		Detector: detector.WithThreshold(eff.Confidence),
	}
}
