// Package correlate merges detections from a thermal and a color camera that
// watch the same scene.
package correlate

import (
	"sync"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/pipeline"
)

// Config controls matching and confidence merging
type Config struct {
	Tolerance          time.Duration // Maximum timestamp distance of a match
	DisagreementGap    float32       // Above this confidence gap a match lowers confidence
	SingleSourceFactor float32       // Multiplier for detections seen by one camera only
}

// DefaultConfig returns the default correlation settings
func DefaultConfig() Config {
	return Config{
		Tolerance:          300 * time.Millisecond,
		DisagreementGap:    0.4,
		SingleSourceFactor: 0.9,
	}
}

// ConfigFrom converts the loaded configuration
func ConfigFrom(c config.CorrelationConfig) Config {
	return Config{
		Tolerance:          c.Tolerance,
		DisagreementGap:    c.DisagreementGap,
		SingleSourceFactor: c.SingleSourceFactor,
	}
}

// Combine merges the confidences of two agreeing observations. When they
// disagree by more than gap the lower one is used.
func Combine(a, b, gap float32) float32 {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > gap {
		return min(a, b)
	}
	return 1 - (1-a)*(1-b)
}

// Merge correlates two detection lists. Every primary detection is matched
// against the closest secondary detection of the same class within the
// tolerance. Matched pairs come out once, based on the primary detection;
// everything unmatched is kept, flagged single-source and scaled down.
func Merge(primary, secondary []pipeline.Detection, cfg Config) []pipeline.Detection {
	used := make([]bool, len(secondary))
	out := make([]pipeline.Detection, 0, len(primary)+len(secondary))

	for _, p := range primary {
		j := closest(p, secondary, used, cfg.Tolerance)
		if j < 0 {
			out = append(out, single(p, cfg))
			continue
		}
		used[j] = true
		out = append(out, merged(p, secondary[j], cfg))
	}
	for j, s := range secondary {
		if !used[j] {
			out = append(out, single(s, cfg))
		}
	}
	return out
}

// closest returns the index of the unused candidate of det's class nearest
// in time, or -1
func closest(det pipeline.Detection, candidates []pipeline.Detection, used []bool, tolerance time.Duration) int {
	best := -1
	var bestDist time.Duration
	for i, c := range candidates {
		if (used != nil && used[i]) || c.Class != det.Class {
			continue
		}
		dist := det.Timestamp.Sub(c.Timestamp)
		if dist < 0 {
			dist = -dist
		}
		if dist > tolerance {
			continue
		}
		if best < 0 || dist < bestDist || (dist == bestDist && c.Confidence > candidates[best].Confidence) {
			best, bestDist = i, dist
		}
	}
	return best
}

func merged(base, other pipeline.Detection, cfg Config) pipeline.Detection {
	base.Confidence = Combine(base.Confidence, other.Confidence, cfg.DisagreementGap)
	base.SingleSource = false
	base.Sources = sources(base.CameraID, other.CameraID)
	return base
}

func single(det pipeline.Detection, cfg Config) pipeline.Detection {
	det.Confidence *= cfg.SingleSourceFactor
	det.SingleSource = true
	det.Sources = sources(det.CameraID, "")
	return det
}

func sources(a, b string) []string {
	out := []string{a}
	if b != "" && b != a {
		out = append(out, b)
	}
	return out
}

// Pair correlates a live primary/secondary camera pair. It keeps one short
// queue per camera, trimmed to the tolerance window.
type Pair struct {
	primary   string
	secondary string
	cfg       Config

	mu     sync.Mutex
	queues map[string][]pipeline.Detection
}

// NewPair creates a correlator for the two cameras
func NewPair(primary, secondary string, cfg Config) *Pair {
	return &Pair{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		queues:    make(map[string][]pipeline.Detection, 2),
	}
}

// Primary returns the camera that owns the pair's events
func (p *Pair) Primary() string { return p.primary }

// Secondary returns the partner camera
func (p *Pair) Secondary() string { return p.secondary }

// Add records det and returns it ready to forward: merged with the closest
// matching detection of the other camera if one is queued, single-source
// otherwise. Detections from cameras outside the pair pass through.
func (p *Pair) Add(det pipeline.Detection) pipeline.Detection {
	var other string
	switch det.CameraID {
	case p.primary:
		other = p.secondary
	case p.secondary:
		other = p.primary
	default:
		return det
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.trim(det.Timestamp)
	p.queues[det.CameraID] = append(p.queues[det.CameraID], det)

	queue := p.queues[other]
	if j := closest(det, queue, nil, p.cfg.Tolerance); j >= 0 {
		return merged(det, queue[j], p.cfg)
	}
	return single(det, p.cfg)
}

// trim drops queued detections older than the tolerance window before now
func (p *Pair) trim(now time.Time) {
	cutoff := now.Add(-p.cfg.Tolerance)
	for id, q := range p.queues {
		i := 0
		for i < len(q) && q[i].Timestamp.Before(cutoff) {
			i++
		}
		if i > 0 {
			p.queues[id] = append(q[:0], q[i:]...)
		}
	}
}

// Len returns the number of queued detections, for tests and stats
func (p *Pair) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}
