// Package ringbuffer keeps the most recent frames of one camera, bounded by
// time rather than count. A Buffer is owned by a single goroutine (the
// camera's event assembler) and is not safe for concurrent use.
package ringbuffer

import (
	"time"

	"sentinel/internal/pipeline"
)

// Buffer is a time-bounded FIFO of frames. After every Push it holds exactly
// the frames whose timestamp is within window of the newest frame.
type Buffer struct {
	window time.Duration
	frames []*pipeline.Frame
	head   int // index of the oldest live frame in frames
}

// New returns a buffer that retains window worth of frames
func New(window time.Duration) *Buffer {
	return &Buffer{window: window}
}

// Window returns the retention duration
func (b *Buffer) Window() time.Duration { return b.window }

// Push appends a frame and evicts frames older than newest-window.
// Frames with a timestamp older than the newest one are ignored; the
// stream source guarantees this never happens.
func (b *Buffer) Push(f *pipeline.Frame) {
	if f == nil {
		return
	}
	if n := b.newest(); n != nil && f.Timestamp.Before(n.Timestamp) {
		return
	}
	b.frames = append(b.frames, f)

	cutoff := f.Timestamp.Add(-b.window)
	for b.head < len(b.frames) && b.frames[b.head].Timestamp.Before(cutoff) {
		b.frames[b.head] = nil
		b.head++
	}

	// Compact once the dead prefix dominates the slice
	if b.head > 32 && b.head*2 >= len(b.frames) {
		n := copy(b.frames, b.frames[b.head:])
		for i := n; i < len(b.frames); i++ {
			b.frames[i] = nil
		}
		b.frames = b.frames[:n]
		b.head = 0
	}
}

// Range returns frames with from <= timestamp <= to in time order. The
// returned slice is a copy; frames themselves are shared and immutable.
func (b *Buffer) Range(from, to time.Time) []*pipeline.Frame {
	var out []*pipeline.Frame
	for _, f := range b.frames[b.head:] {
		if f.Timestamp.Before(from) {
			continue
		}
		if f.Timestamp.After(to) {
			break
		}
		out = append(out, f)
	}
	return out
}

// Before returns the frames in [t-d, t]
func (b *Buffer) Before(t time.Time, d time.Duration) []*pipeline.Frame {
	return b.Range(t.Add(-d), t)
}

// Len returns the number of buffered frames
func (b *Buffer) Len() int { return len(b.frames) - b.head }

// Oldest returns the oldest buffered frame or nil
func (b *Buffer) Oldest() *pipeline.Frame {
	if b.Len() == 0 {
		return nil
	}
	return b.frames[b.head]
}

// Newest returns the newest buffered frame or nil
func (b *Buffer) Newest() *pipeline.Frame { return b.newest() }

func (b *Buffer) newest() *pipeline.Frame {
	if b.Len() == 0 {
		return nil
	}
	return b.frames[len(b.frames)-1]
}

// Reset drops all frames
func (b *Buffer) Reset() {
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.frames = b.frames[:0]
	b.head = 0
}
