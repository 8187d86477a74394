// Package motion is the per-camera motion pre-filter. It keeps an adaptive
// background model of a downscaled grayscale copy of each frame and reports
// the regions where the current frame differs from it.
package motion

import (
	"image"

	"golang.org/x/image/draw"

	"sentinel/internal/pipeline"
)

const (
	// DefaultAnalysisWidth is the width frames are downscaled to before differencing
	DefaultAnalysisWidth = 320

	// DefaultLearningRate is the weight of the current frame in the background average
	DefaultLearningRate = 0.05
)

// Config holds motion filter settings for one camera
type Config struct {
	Sensitivity   int     // 1..10, higher reports smaller changes
	MinArea       int     // Minimum region bounding box area in frame pixels
	AnalysisWidth int     // Downscale width, 0 means DefaultAnalysisWidth
	LearningRate  float32 // Background adaptation rate, 0 means DefaultLearningRate
}

// Threshold maps sensitivity to the per-pixel gray level difference that
// counts as foreground. The mapping is strictly decreasing.
func Threshold(sensitivity int) float32 {
	s := min(max(sensitivity, 1), 10)
	return float32(80 - (s-1)*7)
}

// Filter is the motion pre-filter of one camera. It is owned by the
// camera's lane and is not safe for concurrent use.
type Filter struct {
	cfg       Config
	threshold float32

	background []float32
	gray       *image.Gray
	mask       []bool
	w, h       int // analysis geometry
	srcW, srcH int // frame geometry the background was seeded with
}

// NewFilter creates a motion filter
func NewFilter(cfg Config) *Filter {
	if cfg.AnalysisWidth <= 0 {
		cfg.AnalysisWidth = DefaultAnalysisWidth
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = DefaultLearningRate
	}
	return &Filter{cfg: cfg, threshold: Threshold(cfg.Sensitivity)}
}

// Reset drops the background model; the next frame seeds a new one
func (f *Filter) Reset() {
	f.background = nil
	f.srcW, f.srcH = 0, 0
}

// Detect compares frame against the background model, updates the model and
// returns the motion regions in frame pixel coordinates. The first frame,
// or the first frame after a geometry change, yields no regions.
func (f *Filter) Detect(frame *pipeline.Frame) []pipeline.Region {
	if frame == nil || frame.Image == nil {
		return nil
	}
	b := frame.Image.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil
	}

	if f.background == nil || b.Dx() != f.srcW || b.Dy() != f.srcH {
		f.seed(frame.Image)
		return nil
	}

	f.downscale(frame.Image)

	// Foreground mask against the model as it was before this frame
	rate := f.cfg.LearningRate
	for i, px := range f.gray.Pix[:f.w*f.h] {
		cur := float32(px)
		diff := cur - f.background[i]
		if diff < 0 {
			diff = -diff
		}
		f.mask[i] = diff > f.threshold
		f.background[i] += rate * (cur - f.background[i])
	}

	return f.regions()
}

// seed initializes the analysis geometry and background from img
func (f *Filter) seed(img image.Image) {
	b := img.Bounds()
	f.srcW, f.srcH = b.Dx(), b.Dy()

	f.w = min(f.cfg.AnalysisWidth, f.srcW)
	f.h = max(1, f.srcH*f.w/f.srcW)
	f.gray = image.NewGray(image.Rect(0, 0, f.w, f.h))
	f.mask = make([]bool, f.w*f.h)
	f.background = make([]float32, f.w*f.h)

	f.downscale(img)
	for i, px := range f.gray.Pix[:f.w*f.h] {
		f.background[i] = float32(px)
	}
}

func (f *Filter) downscale(img image.Image) {
	draw.ApproxBiLinear.Scale(f.gray, f.gray.Bounds(), img, img.Bounds(), draw.Src, nil)
}

// regions labels 8-connected foreground components and returns their
// bounding boxes scaled to frame pixels, dropping those below MinArea
func (f *Filter) regions() []pipeline.Region {
	sx := float32(f.srcW) / float32(f.w)
	sy := float32(f.srcH) / float32(f.h)

	var out []pipeline.Region
	visited := make([]bool, len(f.mask))
	queue := make([]int, 0, 64)

	for start, fg := range f.mask {
		if !fg || visited[start] {
			continue
		}
		minX, minY := f.w, f.h
		maxX, maxY := -1, -1

		visited[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			idx := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := idx%f.w, idx/f.w
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= f.w || ny >= f.h {
						continue
					}
					n := ny*f.w + nx
					if f.mask[n] && !visited[n] {
						visited[n] = true
						queue = append(queue, n)
					}
				}
			}
		}

		box := pipeline.BBox{
			X1: float32(minX) * sx,
			Y1: float32(minY) * sy,
			X2: float32(maxX+1) * sx,
			Y2: float32(maxY+1) * sy,
		}
		area := int(box.Area())
		if area < f.cfg.MinArea {
			continue
		}
		out = append(out, pipeline.Region{Box: box, Area: area})
	}
	return out
}
