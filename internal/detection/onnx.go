package detection

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"sentinel/internal/pipeline"
)

// onnxInputSize is the square input resolution of YOLOv8 exports
const onnxInputSize = 640

// ortEnv manages global ONNX Runtime initialization (process-wide singleton).
var ortEnv struct {
	once sync.Once
	err  error
}

// initORT initializes the ONNX Runtime environment. Safe to call multiple
// times; only the first call has any effect.
func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// ONNXBackend runs a YOLOv8 model in-process through ONNX Runtime
type ONNXBackend struct {
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	numClasses int
	numBoxes   int
	names      []string
}

// NewONNXBackend loads modelPath. runtimePath points at the onnxruntime
// shared library; empty uses the library default.
func NewONNXBackend(modelPath, runtimePath string) (*ONNXBackend, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx: model not found: %w", err)
	}
	if err := initORT(runtimePath); err != nil {
		return nil, fmt.Errorf("onnx: failed to initialize runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("onnx: model needs one input and one output")
	}

	// YOLOv8 output is [batch, 4+classes, boxes]
	dims := outputs[0].Dimensions
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("onnx: expected [1, 4+classes, boxes] output, got %v", dims)
	}
	numClasses := int(dims[1] - 4)
	numBoxes := int(dims[2])
	if numBoxes <= 0 {
		// Dynamic axis: 8400 anchors for a 640x640 input
		numBoxes = 8400
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(4)
	opts.SetInterOpNumThreads(1)

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{inputs[0].Name}, []string{outputs[0].Name}, opts)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create session: %w", err)
	}

	names := cocoClasses
	if numClasses != len(cocoClasses) {
		names = nil
	}

	slog.Info("detection: onnx model loaded", "model", modelPath, "classes", numClasses, "boxes", numBoxes)
	return &ONNXBackend{
		session:    session,
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		numClasses: numClasses,
		numBoxes:   numBoxes,
		names:      names,
	}, nil
}

func (o *ONNXBackend) Name() string { return "onnx" }

// IsHealthy reports whether the session is loaded
func (o *ONNXBackend) IsHealthy(ctx context.Context) bool {
	return o.session != nil
}

// Infer letterboxes the frame to 640x640 and decodes the YOLOv8 output
func (o *ONNXBackend) Infer(ctx context.Context, req Request) ([]pipeline.Detection, error) {
	if req.Frame == nil || req.Frame.Image == nil {
		return nil, fmt.Errorf("onnx: frame has no decoded image")
	}
	img := req.Frame.Image
	boxed, lb := letterbox(img, onnxInputSize)

	input, err := ort.NewTensor(ort.NewShape(1, 3, onnxInputSize, onnxInputSize), imageTensor(boxed))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+o.numClasses), int64(o.numBoxes)))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := o.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("onnx: inference failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	return decodeYOLOv8(output.GetData(), o.numClasses, o.numBoxes, req.MinConfidence, lb, o.names, b.Dx(), b.Dy()), nil
}

func (o *ONNXBackend) Close() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}

// letterboxInfo maps model input coordinates back to the source image
type letterboxInfo struct {
	scale      float32
	padX, padY float32
}

// letterbox scales img to fit a size x size square preserving aspect ratio,
// padding with gray
func letterbox(img image.Image, size int) (*image.RGBA, letterboxInfo) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := min(float32(size)/float32(w), float32(size)/float32(h))
	nw, nh := int(float32(w)*scale), int(float32(h)*scale)
	padX, padY := (size-nw)/2, (size-nh)/2

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.RGBA{114, 114, 114, 255}}, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(dst, image.Rect(padX, padY, padX+nw, padY+nh), img, b, draw.Src, nil)

	return dst, letterboxInfo{scale: scale, padX: float32(padX), padY: float32(padY)}
}

// imageTensor converts an RGBA image to a normalized NCHW float tensor
func imageTensor(img *image.RGBA) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	data := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = float32(row[x*4]) / 255
			data[plane+i] = float32(row[x*4+1]) / 255
			data[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return data
}

// decodeYOLOv8 turns a [1, 4+classes, boxes] output into detections in
// source image pixels. No NMS is applied here.
func decodeYOLOv8(out []float32, numClasses, numBoxes int, minConf float32, lb letterboxInfo, names []string, srcW, srcH int) []pipeline.Detection {
	if len(out) < (4+numClasses)*numBoxes || lb.scale <= 0 {
		return nil
	}

	var dets []pipeline.Detection
	for i := 0; i < numBoxes; i++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := out[(4+c)*numBoxes+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < minConf {
			continue
		}

		cx, cy := out[i], out[numBoxes+i]
		w, h := out[2*numBoxes+i], out[3*numBoxes+i]
		box := pipeline.BBox{
			X1: clamp((cx-w/2-lb.padX)/lb.scale, 0, float32(srcW)),
			Y1: clamp((cy-h/2-lb.padY)/lb.scale, 0, float32(srcH)),
			X2: clamp((cx+w/2-lb.padX)/lb.scale, 0, float32(srcW)),
			Y2: clamp((cy+h/2-lb.padY)/lb.scale, 0, float32(srcH)),
		}
		if !box.Valid() {
			continue
		}

		name := fmt.Sprintf("class_%d", best)
		if best < len(names) {
			name = names[best]
		}
		dets = append(dets, pipeline.Detection{Class: name, Confidence: bestScore, Box: box})
	}
	return dets
}

func clamp(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}

// cocoClasses are the 80 COCO class names in model index order
var cocoClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat",
	"dog", "horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack",
	"umbrella", "handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball",
	"kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket",
	"bottle", "wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple",
	"sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair",
	"couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier",
	"toothbrush",
}
