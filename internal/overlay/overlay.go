// Package overlay draws detection boxes and captions on evidence frames
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"sentinel/internal/pipeline"
)

var (
	personColor  = color.RGBA{255, 0, 0, 255}   // Red for persons
	defaultColor = color.RGBA{255, 255, 0, 255} // Yellow for everything else
	singleColor  = color.RGBA{255, 165, 0, 255} // Orange for single-source matches
	labelBG      = color.RGBA{0, 0, 0, 180}
)

// Annotate returns the frame as JPEG with the detections drawn on it and an
// optional caption in the top-left corner. Frames without a decoded image
// are decoded from their JPEG first.
func Annotate(frame *pipeline.Frame, dets []pipeline.Detection, caption string) ([]byte, error) {
	if frame == nil {
		return nil, fmt.Errorf("nil frame")
	}
	src := frame.Image
	if src == nil {
		if len(frame.JPEG) == 0 {
			return nil, fmt.Errorf("frame %d has no image data", frame.Seq)
		}
		img, err := jpeg.Decode(bytes.NewReader(frame.JPEG))
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame: %w", err)
		}
		src = img
	}

	// Convert to RGBA for drawing
	bounds := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)

	for _, det := range dets {
		c := boxColor(det)
		x, y := int(det.Box.X1), int(det.Box.Y1)
		w, h := int(det.Box.Width()), int(det.Box.Height())
		drawBox(rgba, x, y, w, h, c, 2)
		drawLabel(rgba, x, y-15, fmt.Sprintf("%s %.0f%%", det.Class, det.Confidence*100), c)
	}
	if caption != "" {
		drawLabel(rgba, 4, 4, caption, color.RGBA{255, 255, 255, 255})
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode annotated frame: %w", err)
	}
	return buf.Bytes(), nil
}

func boxColor(det pipeline.Detection) color.RGBA {
	switch {
	case det.SingleSource:
		return singleColor
	case det.Class == "person":
		return personColor
	default:
		return defaultColor
	}
}

// drawBox draws a rectangle outline
func drawBox(img *image.RGBA, x, y, w, h int, c color.RGBA, thickness int) {
	b := img.Bounds()
	set := func(px, py int) {
		if (image.Point{X: px, Y: py}).In(b) {
			img.SetRGBA(px, py, c)
		}
	}
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w; i++ {
			set(i, y+t)
			set(i, y+h-1-t)
		}
		for j := y; j < y+h; j++ {
			set(x+t, j)
			set(x+w-1-t, j)
		}
	}
}

// drawLabel draws text on a dark background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 2 {
		y = 2
	}
	if x < 0 {
		x = 0
	}

	textWidth := len(label) * 7
	bg := image.Rect(x-2, y-2, x+textWidth+2, y+12).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(labelBG), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
