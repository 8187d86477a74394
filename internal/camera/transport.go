package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// maxFrameBuffer bounds the bytes buffered while looking for a JPEG end marker
const maxFrameBuffer = 8 << 20

// errFrameOverflow is returned when no complete JPEG fits in maxFrameBuffer
var errFrameOverflow = errors.New("no complete jpeg frame in buffer")

// Transport connects to a camera and yields encoded JPEG frames
type Transport interface {
	Name() string
	Connect(ctx context.Context) (FrameReader, error)
}

// FrameReader reads encoded frames from one connection. ReadFrame returns
// io.EOF when the connection is gone for good.
type FrameReader interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// TransportOptions are the capture parameters shared by transports
type TransportOptions struct {
	FPS        int
	Width      int
	Height     int
	FFmpegPath string
}

// NewTransport picks the transport for a camera URL: HTTP image endpoints
// are polled, everything else (rtsp, http streams, v4l2 devices) goes
// through ffmpeg.
func NewTransport(url string, opts TransportOptions) Transport {
	if opts.FPS <= 0 {
		opts.FPS = 5
	}
	if isHTTPImageEndpoint(url) {
		return NewSnapshotTransport(url, opts.FPS)
	}
	return NewFFmpegTransport(url, opts)
}

func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

func isHTTPImageEndpoint(device string) bool {
	if !strings.HasPrefix(device, "http://") && !strings.HasPrefix(device, "https://") {
		return false
	}
	lower := strings.ToLower(device)
	return strings.Contains(lower, ".jpg") || strings.Contains(lower, ".jpeg") ||
		strings.Contains(lower, "snapshot") || strings.Contains(lower, "image")
}

// FFmpegTransport captures an MJPEG image stream through an ffmpeg process
type FFmpegTransport struct {
	device string
	opts   TransportOptions
}

// NewFFmpegTransport creates an ffmpeg transport for device
func NewFFmpegTransport(device string, opts TransportOptions) *FFmpegTransport {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	return &FFmpegTransport{device: device, opts: opts}
}

func (t *FFmpegTransport) Name() string { return "ffmpeg" }

// Args returns the ffmpeg command line for the device
func (t *FFmpegTransport) Args() []string {
	fps := fmt.Sprintf("%d", t.opts.FPS)
	switch {
	case strings.HasPrefix(t.device, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", t.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fps,
			"-q:v", "5",
			"-",
		}
	case isNetworkSource(t.device):
		return []string{
			"-i", t.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fps,
			"-q:v", "5",
			"-",
		}
	default:
		// V4L2 device (USB camera)
		args := []string{"-f", "v4l2"}
		if t.opts.Width > 0 && t.opts.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", t.opts.Width, t.opts.Height))
		}
		return append(args,
			"-framerate", fps,
			"-i", t.device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		)
	}
}

// Connect starts ffmpeg. A successful start does not mean the stream is up;
// the first ReadFrame tells.
func (t *FFmpegTransport) Connect(ctx context.Context) (FrameReader, error) {
	cmd := exec.CommandContext(ctx, t.opts.FFmpegPath, t.Args()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Consume stderr so ffmpeg never blocks on it
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	return &streamReader{
		r:      stdout,
		closer: func() error { return killAndWait(cmd) },
		buffer: make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 32*1024),
	}, nil
}

func killAndWait(cmd *exec.Cmd) error {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// streamReader splits a byte stream into JPEG images by SOI/EOI markers
type streamReader struct {
	r      io.Reader
	closer func() error
	buffer []byte
	chunk  []byte
}

func (s *streamReader) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if frame := extractJPEGFrame(&s.buffer); frame != nil {
			return frame, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.buffer) > maxFrameBuffer {
			s.buffer = s.buffer[:0]
			return nil, errFrameOverflow
		}

		n, err := s.r.Read(s.chunk)
		s.buffer = append(s.buffer, s.chunk[:n]...)
		if err != nil {
			if n > 0 {
				if frame := extractJPEGFrame(&s.buffer); frame != nil {
					return frame, nil
				}
			}
			return nil, err
		}
	}
}

func (s *streamReader) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// extractJPEGFrame removes and returns the first complete JPEG in buffer.
// Bytes before the start marker are discarded.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		// Keep a trailing 0xFF, it may start a marker
		if buf[len(buf)-1] == 0xFF {
			*buffer = append(buf[:0], 0xFF)
		} else {
			*buffer = buf[:0]
		}
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		if startIdx > 0 {
			*buffer = append(buf[:0], buf[startIdx:]...)
		}
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = append(buf[:0], buf[endIdx:]...)

	return frame
}

// SnapshotTransport polls an HTTP endpoint that returns one JPEG per request
type SnapshotTransport struct {
	url      string
	interval time.Duration
	client   *http.Client
}

// NewSnapshotTransport creates a polling transport for url at fps
func NewSnapshotTransport(url string, fps int) *SnapshotTransport {
	if fps <= 0 {
		fps = 5
	}
	interval := time.Second / time.Duration(fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &SnapshotTransport{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *SnapshotTransport) Name() string { return "snapshot" }

func (t *SnapshotTransport) Connect(ctx context.Context) (FrameReader, error) {
	return &snapshotReader{t: t}, nil
}

type snapshotReader struct {
	t    *SnapshotTransport
	last time.Time
}

func (r *snapshotReader) ReadFrame(ctx context.Context) ([]byte, error) {
	if !r.last.IsZero() {
		wait := r.t.interval - time.Since(r.last)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.last = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBuffer))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

func (r *snapshotReader) Close() error { return nil }
