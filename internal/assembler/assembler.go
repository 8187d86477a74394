// Package assembler turns detections into events. Each camera (or camera
// pair) is served by one actor goroutine that owns its frame ring buffer and
// event state machine; all entry points post messages to that actor.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sentinel/internal/pipeline"
)

// publishTimeout bounds one hand-off to the sink
const publishTimeout = 30 * time.Second

// Assembler routes frames and detections to per-camera actors
type Assembler struct {
	confirmer pipeline.Confirmer
	sink      pipeline.EventSink
	bus       *pipeline.EventBus
	now       func() time.Time

	mu      sync.RWMutex
	actors  map[string]*actor // Keyed by every member camera id
	primary map[string]*actor // Keyed by owner camera id

	publishing sync.WaitGroup

	statsMu sync.Mutex
	stats   map[pipeline.EventState]uint64
}

// New creates an assembler. confirmer may be nil when confirmation is
// disabled; bus may be nil.
func New(confirmer pipeline.Confirmer, sink pipeline.EventSink, bus *pipeline.EventBus) *Assembler {
	return &Assembler{
		confirmer: confirmer,
		sink:      sink,
		bus:       bus,
		now:       time.Now,
		actors:    make(map[string]*actor),
		primary:   make(map[string]*actor),
		stats:     make(map[pipeline.EventState]uint64),
	}
}

// AddCamera starts the actor for a camera or camera pair
func (a *Assembler) AddCamera(opts Options) error {
	if err := opts.normalize(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range opts.Members {
		if _, exists := a.actors[id]; exists {
			return fmt.Errorf("camera %s already has an event assembler", id)
		}
	}

	act := newActor(a, opts)
	for _, id := range opts.Members {
		a.actors[id] = act
	}
	a.primary[opts.CameraID] = act
	go act.run()

	slog.Info("assembler: camera added", "camera", opts.CameraID, "members", opts.Members)
	return nil
}

func (a *Assembler) actor(cameraID string) *actor {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.actors[cameraID]
}

// Observe feeds a captured frame into the camera's ring buffer. It must be
// called for every frame, in capture order.
func (a *Assembler) Observe(frame *pipeline.Frame) {
	if frame == nil {
		return
	}
	if act := a.actor(frame.CameraID); act != nil {
		act.send(observeMsg{frame: frame})
	}
}

// Trigger reports a qualifying detection together with the frame it was
// found in
func (a *Assembler) Trigger(det pipeline.Detection, frame *pipeline.Frame) {
	if frame == nil {
		return
	}
	if act := a.actor(frame.CameraID); act != nil {
		act.send(triggerMsg{det: det, frame: frame})
	}
}

// CameraFailed finalizes an event waiting for after frames from cameraID
// with the evidence collected so far
func (a *Assembler) CameraFailed(cameraID string) {
	if act := a.actor(cameraID); act != nil {
		act.send(failedMsg{cameraID: cameraID})
	}
}

// StopCamera stops the actor serving cameraID. An open event is finalized as
// timed out and incomplete. Blocks until the actor has exited.
func (a *Assembler) StopCamera(cameraID string) {
	a.mu.Lock()
	act := a.actors[cameraID]
	if act != nil {
		for _, id := range act.opts.Members {
			delete(a.actors, id)
		}
		delete(a.primary, act.opts.CameraID)
	}
	a.mu.Unlock()

	if act != nil {
		act.stop()
	}
}

// Close stops every actor and waits for pending sink deliveries
func (a *Assembler) Close() {
	a.mu.Lock()
	actors := make([]*actor, 0, len(a.primary))
	for _, act := range a.primary {
		actors = append(actors, act)
	}
	a.actors = make(map[string]*actor)
	a.primary = make(map[string]*actor)
	a.mu.Unlock()

	for _, act := range actors {
		act.stop()
	}
	a.publishing.Wait()
}

// Snapshot is the externally visible state of one actor
type Snapshot struct {
	CameraID      string              `json:"camera_id"`
	State         pipeline.EventState `json:"state"`
	EventID       string              `json:"event_id,omitempty"`
	CooldownUntil time.Time           `json:"cooldown_until,omitempty"`
	Buffered      int                 `json:"buffered_frames"`
}

// Snapshot returns the current state of the actor serving cameraID
func (a *Assembler) Snapshot(cameraID string) (Snapshot, bool) {
	act := a.actor(cameraID)
	if act == nil {
		return Snapshot{}, false
	}
	reply := make(chan Snapshot, 1)
	if !act.send(snapshotMsg{reply: reply}) {
		return Snapshot{}, false
	}
	select {
	case s := <-reply:
		return s, true
	case <-act.done:
		return Snapshot{}, false
	}
}

// Snapshots returns the state of every actor keyed by owner camera
func (a *Assembler) Snapshots() map[string]Snapshot {
	a.mu.RLock()
	ids := make([]string, 0, len(a.primary))
	for id := range a.primary {
		ids = append(ids, id)
	}
	a.mu.RUnlock()

	out := make(map[string]Snapshot, len(ids))
	for _, id := range ids {
		if s, ok := a.Snapshot(id); ok {
			out[id] = s
		}
	}
	return out
}

// Stats returns the number of finalized events per final state
func (a *Assembler) Stats() map[pipeline.EventState]uint64 {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	out := make(map[pipeline.EventState]uint64, len(a.stats))
	for k, v := range a.stats {
		out[k] = v
	}
	return out
}

// publish hands a finalized event to the sink exactly once, off the actor
func (a *Assembler) publish(ev *pipeline.Event) {
	a.statsMu.Lock()
	a.stats[ev.State]++
	a.statsMu.Unlock()

	if a.sink == nil {
		return
	}
	a.publishing.Add(1)
	go func() {
		defer a.publishing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := a.sink.PublishEvent(ctx, ev); err != nil {
			slog.Error("assembler: sink rejected event", "camera", ev.CameraID, "event", ev.ID, "err", err)
		}
	}()
}
