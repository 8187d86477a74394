// Package zone filters motion regions and detections against configured
// polygons. Everything here is a pure function of its inputs.
package zone

import (
	"errors"

	"sentinel/internal/pipeline"
)

// Mode selects which filter stage a zone applies to
type Mode string

const (
	ModePerson Mode = "person"
	ModeMotion Mode = "motion"
	ModeBoth   Mode = "both"
)

// Stage is the pipeline stage doing the filtering
type Stage int

const (
	StageMotion Stage = iota
	StagePerson
)

func (s Stage) String() string {
	if s == StagePerson {
		return "person"
	}
	return "motion"
}

// DefaultMinOverlap is the overlap ratio a box needs with a "both" zone
const DefaultMinOverlap = 0.25

// overlapSamples is the grid resolution used to estimate polygon overlap
const overlapSamples = 12

// Point is a polygon vertex in normalized frame coordinates (0..1)
type Point struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Zone is a named polygon. Zones are never mutated by the pipeline.
type Zone struct {
	Name    string
	Mode    Mode
	Enabled bool
	Points  []Point
}

// appliesTo reports whether the zone participates in the given stage
func (z Zone) appliesTo(stage Stage) bool {
	if !z.Enabled {
		return false
	}
	switch z.Mode {
	case ModeBoth:
		return true
	case ModeMotion:
		return stage == StageMotion
	case ModePerson:
		return stage == StagePerson
	}
	return false
}

// Contains reports whether the normalized point (x, y) is inside the polygon
// using the even-odd ray casting rule.
func (z Zone) Contains(x, y float64) bool {
	inside := false
	n := len(z.Points)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := z.Points[i], z.Points[j]
		if (pi.Y > y) != (pj.Y > y) &&
			x < (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
	}
	return inside
}

// Overlap estimates the fraction of the normalized box covered by the polygon
func (z Zone) Overlap(x1, y1, x2, y2 float64) float64 {
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	hits := 0
	stepX := (x2 - x1) / overlapSamples
	stepY := (y2 - y1) / overlapSamples
	for i := 0; i < overlapSamples; i++ {
		for j := 0; j < overlapSamples; j++ {
			px := x1 + (float64(i)+0.5)*stepX
			py := y1 + (float64(j)+0.5)*stepY
			if z.Contains(px, py) {
				hits++
			}
		}
	}
	return float64(hits) / float64(overlapSamples*overlapSamples)
}

// Filter holds the zone list of one camera
type Filter struct {
	Zones      []Zone
	MinOverlap float64
}

// NewFilter returns a filter for zones with the default overlap ratio
func NewFilter(zones []Zone) *Filter {
	return &Filter{Zones: zones, MinOverlap: DefaultMinOverlap}
}

// active returns zones participating in stage
func (f *Filter) active(stage Stage) []Zone {
	if f == nil {
		return nil
	}
	out := make([]Zone, 0, len(f.Zones))
	for _, z := range f.Zones {
		if z.appliesTo(stage) {
			out = append(out, z)
		}
	}
	return out
}

// Match decides whether box (in pixels of a width x height frame) is kept
// at the given stage and returns the names of matching zones. With no
// applicable zone the whole frame is the implicit zone and every box passes.
func (f *Filter) Match(box pipeline.BBox, stage Stage, width, height int) (bool, []string) {
	zones := f.active(stage)
	if len(zones) == 0 {
		return true, nil
	}
	if width <= 0 || height <= 0 {
		return false, nil
	}

	w, h := float64(width), float64(height)
	x1, y1 := float64(box.X1)/w, float64(box.Y1)/h
	x2, y2 := float64(box.X2)/w, float64(box.Y2)/h
	cx, cy := (x1+x2)/2, (y1+y2)/2

	minOverlap := f.MinOverlap
	if minOverlap <= 0 {
		minOverlap = DefaultMinOverlap
	}

	var matched []string
	for _, z := range zones {
		var hit bool
		if z.Mode == ModeBoth {
			hit = z.Overlap(x1, y1, x2, y2) >= minOverlap
		} else {
			hit = z.Contains(cx, cy)
		}
		if hit {
			matched = append(matched, z.Name)
		}
	}
	return len(matched) > 0, matched
}

// FilterRegions keeps motion regions that fall inside an active zone
func (f *Filter) FilterRegions(regions []pipeline.Region, width, height int) []pipeline.Region {
	if len(regions) == 0 {
		return regions
	}
	out := regions[:0:0]
	for _, r := range regions {
		if ok, _ := f.Match(r.Box, StageMotion, width, height); ok {
			out = append(out, r)
		}
	}
	return out
}

// FilterDetections keeps detections inside an active person zone and
// records the matched zone names on each kept detection
func (f *Filter) FilterDetections(dets []pipeline.Detection, width, height int) []pipeline.Detection {
	if len(dets) == 0 {
		return dets
	}
	out := make([]pipeline.Detection, 0, len(dets))
	for _, d := range dets {
		ok, names := f.Match(d.Box, StagePerson, width, height)
		if !ok {
			continue
		}
		d.Zones = names
		out = append(out, d)
	}
	return out
}

// Validate checks zone definitions. It is only called at startup.
func Validate(zones []Zone) error {
	var errs []error
	seen := make(map[string]bool, len(zones))
	for i, z := range zones {
		field := "zones[" + z.Name + "]"
		if z.Name == "" {
			errs = append(errs, pipeline.ConfigErrorf("zones", "zone %d has no name", i))
			field = "zones[?]"
		} else if seen[z.Name] {
			errs = append(errs, pipeline.ConfigErrorf(field, "duplicate zone name"))
		}
		seen[z.Name] = true

		switch z.Mode {
		case ModePerson, ModeMotion, ModeBoth:
		default:
			errs = append(errs, pipeline.ConfigErrorf(field, "unknown mode %q", z.Mode))
		}

		if len(z.Points) < 3 {
			errs = append(errs, pipeline.ConfigErrorf(field, "polygon needs at least 3 points, got %d", len(z.Points)))
		}
		for _, p := range z.Points {
			if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
				errs = append(errs, pipeline.ConfigErrorf(field, "point (%.3f, %.3f) outside normalized frame", p.X, p.Y))
				break
			}
		}
	}
	return errors.Join(errs...)
}
