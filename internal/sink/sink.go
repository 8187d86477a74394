// Package sink stores event evidence and delivers final events and liveness
// changes to the configured outputs.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sentinel/internal/overlay"
	"sentinel/internal/pipeline"
	"sentinel/internal/storage"
)

// Delivery is what an output receives for a final event
type Delivery struct {
	Record    *pipeline.EventRecord
	Annotated []byte // Peak frame with boxes drawn, nil when unavailable
}

// Output is one destination of events
type Output interface {
	Name() string
	DeliverEvent(ctx context.Context, d Delivery) error
	DeliverLiveness(ctx context.Context, ev pipeline.LivenessEvent) error
}

// Stats counts dispatcher activity
type Stats struct {
	Events         uint64
	Liveness       uint64
	StoreFailures  uint64
	OutputFailures map[string]uint64
	LastEventTime  time.Time
}

// Dispatcher implements pipeline.EventSink. Each event is delivered once to
// every output; failures are reported, not retried.
type Dispatcher struct {
	store   storage.ImageStore // nil keeps evidence in memory only
	outputs []Output

	uploadParallelism int

	mu    sync.Mutex
	stats Stats
}

// NewDispatcher creates a dispatcher. store may be nil.
func NewDispatcher(store storage.ImageStore, outputs ...Output) *Dispatcher {
	return &Dispatcher{
		store:             store,
		outputs:           outputs,
		uploadParallelism: 4,
		stats:             Stats{OutputFailures: make(map[string]uint64)},
	}
}

// PublishEvent stores the evidence, then delivers the record to all outputs
func (d *Dispatcher) PublishEvent(ctx context.Context, ev *pipeline.Event) error {
	var errs []error

	annotated, err := annotate(ev)
	if err != nil {
		slog.Warn("sink: failed to annotate peak frame", "camera", ev.CameraID, "event", ev.ID, "err", err)
	}

	refs, err := d.storeEvidence(ctx, ev, annotated)
	if err != nil {
		d.mu.Lock()
		d.stats.StoreFailures++
		d.mu.Unlock()
		slog.Warn("sink: failed to store evidence", "camera", ev.CameraID, "event", ev.ID, "err", err)
		errs = append(errs, fmt.Errorf("store evidence: %w", err))
	}

	rec := pipeline.NewEventRecord(ev, refs)
	delivery := Delivery{Record: rec, Annotated: annotated}
	errs = append(errs, d.fanOut(func(o Output) error { return o.DeliverEvent(ctx, delivery) })...)

	d.mu.Lock()
	d.stats.Events++
	d.stats.LastEventTime = time.Now()
	d.mu.Unlock()

	slog.Info("sink: event published", "camera", ev.CameraID, "event", ev.ID, "state", ev.State,
		"outputs", len(d.outputs), "failures", len(errs))
	return errors.Join(errs...)
}

// PublishLiveness delivers a liveness change to all outputs
func (d *Dispatcher) PublishLiveness(ctx context.Context, ev pipeline.LivenessEvent) error {
	d.mu.Lock()
	d.stats.Liveness++
	d.mu.Unlock()
	return errors.Join(d.fanOut(func(o Output) error { return o.DeliverLiveness(ctx, ev) })...)
}

// fanOut calls fn for every output concurrently and collects the failures
func (d *Dispatcher) fanOut(fn func(Output) error) []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, o := range d.outputs {
		wg.Add(1)
		go func(o Output) {
			defer wg.Done()
			err := safeDeliver(o, fn)
			if err == nil {
				return
			}
			slog.Warn("sink: output failed", "output", o.Name(), "err", err)
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
			mu.Unlock()
			d.mu.Lock()
			d.stats.OutputFailures[o.Name()]++
			d.mu.Unlock()
		}(o)
	}
	wg.Wait()
	return errs
}

func safeDeliver(o Output, fn func(Output) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(o)
}

func annotate(ev *pipeline.Event) ([]byte, error) {
	if ev.Evidence.Peak == nil {
		return nil, nil
	}
	caption := fmt.Sprintf("%s %s", ev.CameraID, ev.TriggeredAt.Format("2006-01-02 15:04:05"))
	return overlay.Annotate(ev.Evidence.Peak, []pipeline.Detection{ev.Peak}, caption)
}

// EvidenceKey returns the storage key of one evidence frame
func EvidenceKey(ev *pipeline.Event, name string) string {
	return fmt.Sprintf("events/%s/%s/%s/%s.jpg", ev.CameraID, ev.TriggeredAt.UTC().Format("2006-01-02"), ev.ID, name)
}

// storeEvidence uploads every frame. References of frames that failed stay
// empty; the first error is returned.
func (d *Dispatcher) storeEvidence(ctx context.Context, ev *pipeline.Event, annotated []byte) (pipeline.EvidenceRefs, error) {
	var refs pipeline.EvidenceRefs
	if d.store == nil {
		return refs, nil
	}

	refs.Before = make([]string, len(ev.Evidence.Before))
	refs.After = make([]string, len(ev.Evidence.After))

	// A failed frame does not cancel the others
	var g errgroup.Group
	g.SetLimit(d.uploadParallelism)

	save := func(frame *pipeline.Frame, name string, ref *string) {
		g.Go(func() error {
			data, err := frame.EncodeJPEG()
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return d.saveBytes(ctx, ev, name, data, ref)
		})
	}

	for i, f := range ev.Evidence.Before {
		save(f, fmt.Sprintf("before_%02d", i), &refs.Before[i])
	}
	if ev.Evidence.Peak != nil {
		save(ev.Evidence.Peak, "peak", &refs.Peak)
	}
	if len(annotated) > 0 {
		g.Go(func() error { return d.saveBytes(ctx, ev, "peak_annotated", annotated, &refs.Annotated) })
	}
	for i, f := range ev.Evidence.After {
		save(f, fmt.Sprintf("after_%02d", i), &refs.After[i])
	}

	err := g.Wait()
	return refs, err
}

func (d *Dispatcher) saveBytes(ctx context.Context, ev *pipeline.Event, name string, data []byte, ref *string) error {
	loc, err := d.store.SaveSnapshot(ctx, EvidenceKey(ev, name), data, "image/jpeg")
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*ref = loc
	return nil
}

// Stats returns a copy of the counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.OutputFailures = make(map[string]uint64, len(d.stats.OutputFailures))
	for k, v := range d.stats.OutputFailures {
		s.OutputFailures[k] = v
	}
	return s
}

// Close closes outputs that hold resources
func (d *Dispatcher) Close() error {
	var errs []error
	for _, o := range d.outputs {
		if c, ok := o.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
