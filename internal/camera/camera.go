// Package camera adapts a camera stream (ffmpeg or HTTP snapshots) into a
// restartable, ordered sequence of decoded frames with reconnect and
// liveness reporting.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"time"

	"sentinel/internal/pipeline"
)

// Config configures a Source
type Config struct {
	CameraID            string
	Kind                pipeline.SourceKind
	Reconnect           ReconnectConfig
	FailureThreshold    int           // Read failures tolerated inside FailureWindow
	FailureWindow       time.Duration // Sliding window for FailureThreshold
	FailedProbeInterval time.Duration // Probe period once the source has failed
	Buffer              int           // Frame channel capacity

	// OnLiveness is called on every liveness change and on every probe of a
	// failed source. It is called from the capture goroutine.
	OnLiveness func(pipeline.LivenessEvent)
}

// Source is the stream source adapter for one camera. It implements
// pipeline.FrameSource.
type Source struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex // guards cancel and done
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the capture goroutine; persist across Open calls
	seq    uint64
	lastTS time.Time

	stateMu  sync.RWMutex
	liveness pipeline.Liveness
	stats    pipeline.CaptureStats
}

// NewSource creates a source. Capture starts on Open.
func NewSource(cfg Config, transport Transport) *Source {
	if cfg.Reconnect.RetryDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Second
	}
	if cfg.FailedProbeInterval <= 0 {
		cfg.FailedProbeInterval = 5 * time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.Kind == "" {
		cfg.Kind = pipeline.SourceColor
	}
	return &Source{
		cfg:       cfg,
		transport: transport,
		logger:    slog.Default().With("camera", cfg.CameraID, "transport", transport.Name()),
		now:       time.Now,
		liveness:  pipeline.LivenessConnecting,
		stats:     pipeline.CaptureStats{CameraID: cfg.CameraID, Liveness: pipeline.LivenessConnecting},
	}
}

// CameraID returns the camera identifier
func (s *Source) CameraID() string { return s.cfg.CameraID }

// Open starts capture and returns the frame stream. The channel is closed
// when ctx is cancelled or Close is called. Calling Open again stops the
// previous stream first; sequence numbers and timestamps continue.
func (s *Source) Open(ctx context.Context) <-chan *pipeline.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan *pipeline.Frame, s.cfg.Buffer)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		defer close(out)
		s.run(runCtx, out)
	}()

	return out
}

// Close stops capture and waits for the capture goroutine to exit
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Source) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

// Liveness returns the current connection state
func (s *Source) Liveness() pipeline.Liveness {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.liveness
}

// Stats returns a copy of the capture statistics
func (s *Source) Stats() pipeline.CaptureStats {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	stats := s.stats
	stats.Liveness = s.liveness
	return stats
}

// run is the reconnect loop. Faults never leave this goroutine; they are
// logged and reported through OnLiveness.
func (s *Source) run(ctx context.Context, out chan<- *pipeline.Frame) {
	s.logger.Info("camera: capture started")
	defer s.logger.Info("camera: capture stopped")

	attempt := 0
	failed := false
	everConnected := false
	s.setLiveness(pipeline.LivenessConnecting, 0, nil)

	for ctx.Err() == nil {
		connected, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt, failed, everConnected = 0, false, true
		}

		attempt++
		s.updateStats(func(st *pipeline.CaptureStats) { st.Reconnects++ })
		fault := &pipeline.StreamFault{CameraID: s.cfg.CameraID, Attempt: attempt, Err: err}

		var delay time.Duration
		if attempt > s.cfg.Reconnect.MaxRetries {
			fault.Permanent = true
			if !failed {
				s.logger.Error("camera: source failed", "attempts", attempt, "err", fault)
			} else {
				s.logger.Debug("camera: failed source probe unsuccessful", "attempt", attempt, "err", err)
			}
			failed = true
			s.setLiveness(pipeline.LivenessFailed, attempt, fault)
			delay = s.cfg.FailedProbeInterval
		} else {
			state := pipeline.LivenessConnecting
			if everConnected {
				state = pipeline.LivenessDegraded
			}
			s.setLiveness(state, attempt, fault)
			delay = calculateBackoff(attempt, s.cfg.Reconnect)
			s.logger.Warn("camera: retrying connection",
				"attempt", attempt,
				"max_retries", s.cfg.Reconnect.MaxRetries,
				"delay", delay,
				"err", err,
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection. It reports whether at least one frame was
// delivered (the connection counts as established) and why it ended.
func (s *Source) session(ctx context.Context, out chan<- *pipeline.Frame) (bool, error) {
	reader, err := s.transport.Connect(ctx)
	if err != nil {
		return false, err
	}
	defer reader.Close()

	failures := newFailureWindow(s.cfg.FailureWindow)
	connected := false

	for {
		data, err := reader.ReadFrame(ctx)
		if ctx.Err() != nil {
			return connected, ctx.Err()
		}
		if err == nil {
			img, decodeErr := jpeg.Decode(bytes.NewReader(data))
			if decodeErr == nil {
				if !connected {
					connected = true
					failures.reset()
					s.setLiveness(pipeline.LivenessConnected, 0, nil)
					s.logger.Info("camera: connected")
				}
				s.emit(out, data, img)
				continue
			}
			s.updateStats(func(st *pipeline.CaptureStats) { st.DecodeErrors++ })
			err = fmt.Errorf("failed to decode frame: %w", decodeErr)
		}

		s.updateStats(func(st *pipeline.CaptureStats) { st.ReadFailures++ })
		if !connected {
			return false, err
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return true, fmt.Errorf("stream closed: %w", err)
		}
		if n := failures.add(s.now()); n >= s.cfg.FailureThreshold {
			return true, fmt.Errorf("%d read failures within %v: %w", n, s.cfg.FailureWindow, err)
		}
		s.logger.Debug("camera: read failure tolerated", "err", err)
	}
}

// emit stamps and delivers a frame. A slow consumer loses frames rather
// than stalling capture.
func (s *Source) emit(out chan<- *pipeline.Frame, data []byte, img image.Image) {
	s.seq++
	ts := s.now()
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts

	frame := &pipeline.Frame{
		CameraID:  s.cfg.CameraID,
		Kind:      s.cfg.Kind,
		Seq:       s.seq,
		Timestamp: ts,
		Image:     img,
		JPEG:      data,
	}

	s.updateStats(func(st *pipeline.CaptureStats) {
		st.FramesCaptured++
		st.LastFrameTime = ts.Unix()
	})

	select {
	case out <- frame:
	default:
		s.updateStats(func(st *pipeline.CaptureStats) { st.FramesDropped++ })
	}
}

func (s *Source) setLiveness(state pipeline.Liveness, attempt int, err error) {
	s.stateMu.Lock()
	changed := s.liveness != state
	s.liveness = state
	s.stateMu.Unlock()

	if !changed && state != pipeline.LivenessFailed {
		return
	}
	if s.cfg.OnLiveness == nil {
		return
	}
	ev := pipeline.LivenessEvent{
		CameraID:  s.cfg.CameraID,
		State:     state,
		Attempt:   attempt,
		Timestamp: s.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.cfg.OnLiveness(ev)
}

func (s *Source) updateStats(fn func(st *pipeline.CaptureStats)) {
	s.stateMu.Lock()
	fn(&s.stats)
	s.stateMu.Unlock()
}
